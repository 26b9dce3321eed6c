package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/Xilinx/fpga-server/internal/model"
)

func TestStoreConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), name, configFileName)
	require.False(t, exists(path))

	cfg := model.DefaultConfig()
	cfg.Compute.Env = map[string]string{"xilinx_xrt": "/opt/xilinx/xrt"}
	require.NoError(t, storeConfig(path, cfg))
	require.True(t, exists(path))
	require.False(t, exists(filepath.Dir(path)))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Close()
	})
	loaded, err := model.LoadConfig(f)
	require.NoError(t, err)
	require.Equal(t, cfg, *loaded)
}

func TestConfigDir(t *testing.T) {
	var testCases = []struct {
		scenario string
		dir      string
		err      error
		then     string
	}{
		{
			scenario: "user config dir",
			dir:      "/home/fpga/.config",
			then:     filepath.Join("/home/fpga/.config", name),
		},
		{
			scenario: "no home",
			err:      errors.New("neither $XDG_CONFIG_HOME nor $HOME are defined"),
			then:     ".",
		},
		{
			scenario: "empty",
			then:     ".",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			got := configDir(func() (string, error) {
				return tc.dir, tc.err
			})
			require.Equal(t, tc.then, got)
		})
	}
}

func TestUsage(t *testing.T) {
	newCmd := func(stderr *bytes.Buffer) *cobra.Command {
		root := &cobra.Command{Use: name, SilenceUsage: true, SilenceErrors: true}
		root.SetFlagErrorFunc(flagError)
		sub := &cobra.Command{
			Use:  "devices",
			Args: noArgs,
			RunE: func(*cobra.Command, []string) error { return nil },
		}
		sub.Flags().Bool("watch", false, "")
		root.AddCommand(sub)
		root.SetErr(stderr)
		root.SetOut(&bytes.Buffer{})
		return root
	}

	var testCases = []struct {
		scenario string
		args     []string
		usage    bool
	}{
		{scenario: "ok", args: []string{"devices", "--watch"}},
		{scenario: "extra argument", args: []string{"devices", "extra"}, usage: true},
		{scenario: "unknown flag", args: []string{"devices", "--no-such-flag"}, usage: true},
		{scenario: "bad flag value", args: []string{"devices", "--watch=maybe"}, usage: true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			var stderr bytes.Buffer
			cmd := newCmd(&stderr)
			cmd.SetArgs(tc.args)
			err := cmd.Execute()
			if !tc.usage {
				require.NoError(t, err)
				require.Empty(t, stderr.String())
				return
			}
			require.Error(t, err)
			require.Contains(t, stderr.String(), "Usage:")
			require.Contains(t, stderr.String(), "devices [flags]")
		})
	}
}
