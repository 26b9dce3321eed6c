package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Xilinx/fpga-server/internal/client"
	"github.com/Xilinx/fpga-server/internal/fpga"
	"github.com/Xilinx/fpga-server/internal/log"
	"github.com/Xilinx/fpga-server/internal/model"
	"github.com/Xilinx/fpga-server/internal/service"
	"github.com/Xilinx/fpga-server/internal/tracing"
)

const (
	name           = "fpga-server"
	configFileName = "fpga-server.yaml"
	configEnv      = "FPGASERVERCONFIG"
)

var (
	userConfigPath string // /default/config/path/fpga-server on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagCount          int    // send --count
	flagParallel       int    // send --parallel
	flagWatch          bool   // devices --watch
	flagGroup          bool   // devices --group
)

// flagKeys maps the flags of a subcommand to the configuration keys they
// override.
var flagKeys = map[string]map[string]string{
	"serve": {
		"address": "server.address",
		"port":    "server.port",
		"status":  "server.status",
		"exe":     "compute.path",
		"rescan":  "service.rescan",
	},
	"send": {
		"address": "client.address",
		"port":    "client.port",
		"token":   "client.token",
	},
	"devices": {
		"sysfs":  "service.sysfs",
		"rescan": "service.rescan",
	},
}

func init() {
	userConfigPath = configDir(os.UserConfigDir)
}

// configDir returns the per user config directory, or the working directory
// when the OS does not define one ($HOME unset).
func configDir(userConfigDir func() (string, error)) string {
	d, err := userConfigDir()
	if err != nil || d == "" {
		return "."
	}
	return filepath.Join(d, name)
}

// noArgs rejects positional arguments and prints the usage, which
// SilenceUsage hides otherwise.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		cmd.PrintErr(cmd.UsageString())
		return err
	}
	return nil
}

func flagError(cmd *cobra.Command, err error) error {
	cmd.PrintErr(cmd.UsageString())
	return err
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configFileName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	serveCmd.Flags().String("address", "", "IP address to listen on (server.address)")
	serveCmd.Flags().Int("port", 0, "TCP port to listen on (server.port)")
	serveCmd.Flags().Bool("status", false, "add a Status line to every response (server.status)")
	serveCmd.Flags().String("exe", "", "FPGA host executable (compute.path)")
	serveCmd.Flags().Duration("rescan", 0, "FPGA device rediscovery period, 0 disables it (service.rescan)")

	sendCmd.Flags().String("address", "", "server address (client.address)")
	sendCmd.Flags().Int("port", 0, "server port (client.port)")
	sendCmd.Flags().String("token", "", "request token, "+model.TokenHello+" or "+model.TokenFPGA+" (client.token)")
	sendCmd.Flags().IntVar(&flagCount, "count", 1, "number of requests")
	sendCmd.Flags().IntVar(&flagParallel, "parallel", 1, "requests sent at once")

	devicesCmd.Flags().String("sysfs", "", "sysfs PCI devices directory (service.sysfs)")
	devicesCmd.Flags().BoolVar(&flagGroup, "group", false, "group the boards by DSA into device plugin resources")
	devicesCmd.Flags().BoolVar(&flagWatch, "watch", false, "rediscover the boards every rescan period and print the changes as JSON lines")
	devicesCmd.Flags().Duration("rescan", 0, "rediscovery period of --watch (service.rescan)")

	// never print messages, usage is printed for argument and flag errors only
	rootCmd.SilenceErrors = true
	rootCmd.SetFlagErrorFunc(flagError)

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initServer
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error(name+" failed", "err", err)
		_ = closeLog()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          name,
	Short:        "TCP server running the FPGA host program for every request",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve accepts requests and runs the FPGA host program for each of them",
	Args:  noArgs,
	RunE:  doServe,
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "send sends a request token to the server and prints the response",
	Args:  noArgs,
	RunE:  doSend,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "devices prints the FPGA boards found in sysfs as JSON",
	Long: `devices prints the FPGA boards found in sysfs as JSON.

With --group the boards are grouped by their DSA (shell version and timestamp)
into the resource names a Kubernetes device plugin advertises. With --watch the
boards are rediscovered every service.rescan and every change is printed as
one JSON line of added, updated and removed resources.`,
	Args: noArgs,
	RunE: doDevices,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a " + name,
	Args:  noArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println(name + ": version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:      %s\n", configPath)
		}
		fmt.Printf("fpga-server: %s\n", info.Main.Version)
		fmt.Printf("go:          %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:      %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:        %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:       %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group(name,
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	shutdown, err := tracing.Init(name, version(), config.Service.Trace)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(cmd.Context()); err != nil {
			slog.WarnContext(ctx, "tracing shutdown", "error", err)
		}
	}()

	// cancel stops the watcher before wg.Wait returns
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher := fpga.NewWatcher(os.DirFS(config.Service.Sysfs), config.Service.Rescan.Std(), logChanges)
	if config.Service.Rescan > 0 {
		wg.Go(func() {
			if err := watcher.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "fpga watcher failed", "error", err)
			}
		})
	} else if c, err := watcher.Scan(); err != nil {
		slog.WarnContext(ctx, "fpga discovery failed", "sysfs", config.Service.Sysfs, "error", err)
	} else {
		logChanges(ctx, c)
		slog.InfoContext(ctx, "fpga devices", "resources", len(watcher.Groups()))
	}
	if _, err := exec.LookPath(config.Compute.Path); err != nil {
		// not fatal, every response will carry the error until it is installed
		slog.WarnContext(ctx, "fpga host executable not found", "path", config.Compute.Path, "error", err)
	}

	handler := service.NewHandler(config.Server, service.CommandInvoker{
		Command: service.CommandFromConfig(config.Compute),
	})
	srv := service.NewServer(config.Server, handler)
	if err := srv.Bind(ctx); err != nil {
		return err
	}
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "server stopped")
	return nil
}

func doSend(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group(name,
		slog.String("cmd", "send"),
		slog.Int("pid", os.Getpid()),
	))
	c := client.New(config.Client)

	out := cmd.OutOrStdout()
	if flagCount <= 1 {
		resp, err := c.Send(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "Send request to server...")
		_, _ = fmt.Fprintln(out, string(resp))
		_, _ = fmt.Fprintln(out, "--END--")
		return nil
	}

	resps, err := c.SendMany(ctx, flagCount, flagParallel)
	if err != nil {
		return err
	}
	for _, resp := range resps {
		_, _ = fmt.Fprintln(out, "Send request to server...")
		_, _ = fmt.Fprintln(out, string(resp))
		_, _ = fmt.Fprintln(out, "--END--")
	}
	return nil
}

// logChanges reports every resource which appeared, changed or disappeared
// with its device count.
func logChanges(ctx context.Context, c fpga.Changes) {
	for _, ch := range []struct {
		msg    string
		groups fpga.Groups
	}{
		{"fpga devices added", c.Added},
		{"fpga devices updated", c.Updated},
		{"fpga devices removed", c.Removed},
	} {
		for resource, devices := range ch.groups.Resources() {
			slog.InfoContext(ctx, ch.msg, "resource", resource, "count", len(devices))
		}
	}
}

func doDevices(cmd *cobra.Command, args []string) error {
	fsys := os.DirFS(config.Service.Sysfs)
	if flagWatch {
		return watchDevices(cmd, fsys)
	}

	devices, err := fpga.Discover(fsys)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if flagGroup {
		return enc.Encode(fpga.Group(devices))
	}
	if devices == nil {
		devices = []fpga.Device{}
	}
	return enc.Encode(devices)
}

func watchDevices(cmd *cobra.Command, fsys fs.FS) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := config.Service.Rescan.Std()
	if interval <= 0 {
		interval = fpga.DefaultRescan
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	var encErr error
	w := fpga.NewWatcher(fsys, interval, func(ctx context.Context, c fpga.Changes) {
		if err := enc.Encode(c); err != nil && encErr == nil {
			encErr = err
			stop()
		}
	})
	return errors.Join(w.Run(ctx), encErr)
}

func initServer(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configFileName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configFileName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
		config = *cfg
	}

	// FPGA_* variables and explicit flags have a precedence over config file
	v := model.NewViper()
	for flag, key := range flagKeys[cmd.Name()] {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", flag, err)
		}
	}
	if err := applyOverrides(v); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closeFn, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug(name+" run", "configPath", configPath)
	slog.Debug(name+" run", "config", config)
	return nil
}

func applyOverrides(v *viper.Viper) error {
	if err := model.ApplyOverrides(&config, v); err != nil {
		return fmt.Errorf("applying overrides: %w", err)
	}
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	return info.Main.Version
}
