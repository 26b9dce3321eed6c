package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, FPGA_SERVER_PORT sets server.port.
const EnvPrefix = "FPGA"

// NewViper returns a viper instance which reads FPGA_* environment variables
// for the keys of Config. Command flags are bound to it by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v (environment variable, changed
// flag or explicit Set) over cfg.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	if cfg == nil || v == nil {
		return nil
	}

	strs := map[string]*string{
		"server.address": &cfg.Server.Address,
		"client.address": &cfg.Client.Address,
		"client.token":   &cfg.Client.Token,
		"compute.path":   &cfg.Compute.Path,
		"service.log":    &cfg.Service.Log,
		"service.trace":  &cfg.Service.Trace,
		"service.sysfs":  &cfg.Service.Sysfs,
	}
	for key, p := range strs {
		if v.IsSet(key) {
			*p = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"server.port":         &cfg.Server.Port,
		"server.backlog":      &cfg.Server.Backlog,
		"server.max_request":  &cfg.Server.MaxRequest,
		"server.max_conns":    &cfg.Server.MaxConns,
		"client.port":         &cfg.Client.Port,
		"client.max_response": &cfg.Client.MaxResponse,
	}
	for key, p := range ints {
		if !v.IsSet(key) {
			continue
		}
		i, err := toInt(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = i
	}

	durations := map[string]*Duration{
		"server.read_timeout":  &cfg.Server.ReadTimeout,
		"server.write_timeout": &cfg.Server.WriteTimeout,
		"client.dial_timeout":  &cfg.Client.DialTimeout,
		"client.read_timeout":  &cfg.Client.ReadTimeout,
		"compute.timeout":      &cfg.Compute.Timeout,
		"service.rescan":       &cfg.Service.Rescan,
	}
	for key, p := range durations {
		if !v.IsSet(key) {
			continue
		}
		d, err := toDuration(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s: negative duration %s", key, d)
		}
		*p = Duration(d)
	}

	bools := map[string]*bool{
		"server.status":   &cfg.Server.Status,
		"service.verbose": &cfg.Service.Verbose,
	}
	for key, p := range bools {
		if !v.IsSet(key) {
			continue
		}
		b, err := cast.ToBoolE(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = b
	}

	if v.IsSet("compute.args") {
		cfg.Compute.Args = v.GetStringSlice("compute.args")
	}

	return validate(*cfg)
}

// toInt parses environment values as plain decimals, cast would accept
// octal and hex prefixes.
func toInt(raw any) (int, error) {
	if s, ok := raw.(string); ok {
		return strconv.Atoi(strings.TrimSpace(s))
	}
	return cast.ToIntE(raw)
}

// toDuration requires a unit for strings ("5s"), cast reads a bare number
// as nanoseconds.
func toDuration(raw any) (time.Duration, error) {
	if s, ok := raw.(string); ok {
		return time.ParseDuration(strings.TrimSpace(s))
	}
	return cast.ToDurationE(raw)
}

func validate(cfg Config) error {
	switch {
	case cfg.Server.Port < 0 || cfg.Server.Port > 65535:
		return fmt.Errorf("server.port %d: out of range", cfg.Server.Port)
	case cfg.Client.Port <= 0 || cfg.Client.Port > 65535:
		return fmt.Errorf("client.port %d: out of range", cfg.Client.Port)
	case cfg.Server.Backlog <= 0:
		return fmt.Errorf("server.backlog must be positive")
	case cfg.Server.MaxRequest <= 0:
		return fmt.Errorf("server.max_request must be positive")
	case cfg.Client.MaxResponse <= 0:
		return fmt.Errorf("client.max_response must be positive")
	case cfg.Server.MaxConns < 0:
		return fmt.Errorf("server.max_conns must not be negative")
	case cfg.Compute.Path == "":
		return fmt.Errorf("compute.path must not be empty")
	case cfg.Client.Token == "":
		return fmt.Errorf("client.token must not be empty")
	}
	return nil
}
