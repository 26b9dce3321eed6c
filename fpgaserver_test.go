package fpgaserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	serverPath string
	shPath     string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("fpga-server-ci") {
		slog.Warn("integration tests ignored, cannot locate fpga-server-ci binary: run go build -race -cover -covermode=atomic -o fpga-server-ci ./cmd/fpga-server/ first")
		os.Exit(0)
	}

	var err error
	serverPath, err = filepath.Abs("fpga-server-ci")
	if err != nil {
		slog.Error("can't get abspath for fpga-server-ci", "error", err)
		os.Exit(1)
	}
	shPath, err = exec.LookPath("sh")
	if err != nil {
		slog.Error("integration tests need sh in PATH", "error", err)
		os.Exit(1)
	}

	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for fpga-server-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for fpga-server-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}
	// the configuration is always passed by --config
	_ = os.Unsetenv("FPGASERVERCONFIG")

	os.Exit(m.Run())
}

func TestServeSend(t *testing.T) {
	dir := tmpDir(t)
	port := freePort(t)

	config := fmt.Sprintf(`
version: 0
server:
    address: "127.0.0.1"
    port: %d
client:
    address: "127.0.0.1"
    port: %d
    token: "fpga_sever"
compute:
    path: %q
    args:
        - "-c"
        - "printf 'kernel done'"
service:
    log: %q
`, port, port, shPath, filepath.Join(dir, "serve.log"))
	configPath := filepath.Join(dir, "fpga-server.yaml")
	creat(t, configPath, []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var serveStderr bytes.Buffer
	serve := exec.CommandContext(ctx, serverPath, "serve", "--config", configPath)
	serve.Stderr = &serveStderr
	require.NoError(t, serve.Start())
	t.Cleanup(func() {
		_ = serve.Process.Kill()
	})
	waitForPort(t, port)

	var stdout, stderr bytes.Buffer
	send := exec.CommandContext(ctx, serverPath, "send", "--config", configPath, "--count", "4", "--parallel", "2")
	send.Stdout = &stdout
	send.Stderr = &stderr
	err := send.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	creat(t, filepath.Join(dir, t.Name()+".out"), stdout.Bytes())

	var want bytes.Buffer
	for range 4 {
		want.WriteString("Send request to server...\nResponse from FPGA server:\nkernel done\n--END--\n")
	}
	require.Equal(t, want.String(), stdout.String())

	// SIGTERM stops the server gracefully
	require.NoError(t, serve.Process.Signal(syscall.SIGTERM))
	err = serve.Wait()
	if err != nil {
		t.Logf("%s", serveStderr.String())
		require.NoError(t, err)
	}

	logs, err := os.ReadFile(filepath.Join(dir, "serve.log"))
	require.NoError(t, err)
	require.Contains(t, string(logs), `"msg":"request served"`)
	require.Contains(t, string(logs), `"msg":"server stopped"`)
}

func TestUsageError(t *testing.T) {
	dir := tmpDir(t)
	configPath := filepath.Join(dir, "fpga-server.yaml")
	creat(t, configPath, []byte("version: 0\n"))

	for _, args := range [][]string{
		{"serve", "extra"},
		{"send", "extra"},
		{"devices", "extra"},
		{"send", "--no-such-flag"},
	} {
		var stderr bytes.Buffer
		cmd := exec.CommandContext(t.Context(), serverPath, append(args, "--config", configPath)...)
		cmd.Stderr = &stderr
		err := cmd.Run()
		var exitErr *exec.ExitError
		require.True(t, errors.As(err, &exitErr), args)
		require.Equal(t, 1, exitErr.ExitCode(), args)
		require.Contains(t, stderr.String(), "Usage:", args)
		require.Contains(t, stderr.String(), args[0]+" [flags]", args)
	}
}

func TestInvalidConfig(t *testing.T) {
	dir := tmpDir(t)
	configPath := filepath.Join(dir, "fpga-server.yaml")
	creat(t, configPath, []byte("version: 0\nserver:\n    port: 70000\n"))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(t.Context(), serverPath, "serve", "--config", configPath)
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())
	require.Contains(t, stderr.String(), "server.port")
}

func TestDevices(t *testing.T) {
	dir := tmpDir(t)
	configPath := filepath.Join(dir, "fpga-server.yaml")
	creat(t, configPath, []byte("version: 0\n"))

	sysfs := filepath.Join(dir, "devices")
	for path, content := range map[string]string{
		"0000:00:0f.0/vendor": "0x1d0f\n",
		"0000:00:0f.0/device": "0x1042\n",
		"0000:00:05.0/vendor": "0x8086\n",
	} {
		path = filepath.Join(sysfs, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		creat(t, path, []byte(content))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(sysfs, "0000:00:0f.0", "drm", "renderD128"), 0o755))

	var stdout bytes.Buffer
	cmd := exec.CommandContext(t.Context(), serverPath, "devices", "--config", configPath, "--sysfs", sysfs)
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run())

	var devices []map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &devices))
	require.Len(t, devices, 1)
	require.Equal(t, "0000:00:0f.0", devices[0]["dbdf"])
	require.Equal(t, "Healthy", devices[0]["health"])
	require.Equal(t, map[string]any{"user": "/dev/dri/renderD128"}, devices[0]["nodes"])

	t.Run("group", func(t *testing.T) {
		var stdout bytes.Buffer
		cmd := exec.CommandContext(t.Context(), serverPath, "devices", "--group", "--config", configPath, "--sysfs", sysfs)
		cmd.Stdout = &stdout
		require.NoError(t, cmd.Run())

		var resources map[string][]map[string]any
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &resources))
		const resource = "xilinx.com/fpga-xilinx_aws-vu9p-f1-04261818_dynamic_5_0-0"
		require.Len(t, resources, 1)
		require.Len(t, resources[resource], 1)
		require.Equal(t, "0000:00:0f.0", resources[resource][0]["dbdf"])
	})

	t.Run("watch", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		t.Cleanup(cancel)

		cmd := exec.CommandContext(ctx, serverPath, "devices", "--watch", "--rescan", "50ms", "--config", configPath, "--sysfs", sysfs)
		stdout, err := cmd.StdoutPipe()
		require.NoError(t, err)
		require.NoError(t, cmd.Start())
		t.Cleanup(func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		})

		dec := json.NewDecoder(stdout)
		next := func() map[string]map[string][]map[string]any {
			t.Helper()
			var changes map[string]map[string][]map[string]any
			require.NoError(t, dec.Decode(&changes))
			return changes
		}
		changes := next()
		require.Len(t, changes["added"], 1)
		require.Empty(t, changes["removed"])

		// the board disappears
		require.NoError(t, os.RemoveAll(filepath.Join(sysfs, "0000:00:0f.0")))
		changes = next()
		require.Empty(t, changes["added"])
		require.Len(t, changes["removed"], 1)

		require.NoError(t, cmd.Process.Signal(os.Interrupt))
		require.NoError(t, cmd.Wait())
	})
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		// an empty request is dropped by the server without invoking anything
		_ = conn.Close()
		return true
	}, 10*time.Second, 50*time.Millisecond)
}
