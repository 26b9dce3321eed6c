package model

import (
	"bytes"
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	// ResponsePrefix starts every response written by the server.
	ResponsePrefix = "Response from FPGA server:\n"

	TokenHello = "hello"
	TokenFPGA  = "fpga_sever"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Server  Server  `json:"server" yaml:"server"`
	Client  Client  `json:"client" yaml:"client"`
	Compute Compute `json:"compute" yaml:"compute"`
	Service Service `json:"service" yaml:"service"`
}

// Server is the listening side and its per-connection limits.
type Server struct {
	Address      string   `json:"address" yaml:"address"` // IP, "0.0.0.0" listens on all interfaces
	Port         int      `json:"port" yaml:"port"`
	Backlog      int      `json:"backlog" yaml:"backlog"`
	MaxRequest   int      `json:"max_request" yaml:"max_request"` // bytes accepted by the single read
	MaxConns     int      `json:"max_conns" yaml:"max_conns"`     // 0 => unbounded
	ReadTimeout  Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
	Status       bool     `json:"status" yaml:"status"` // adds a Status: line to responses
}

type Client struct {
	Address     string   `json:"address" yaml:"address"`
	Port        int      `json:"port" yaml:"port"`
	Token       string   `json:"token" yaml:"token"`
	MaxResponse int      `json:"max_response" yaml:"max_response"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`
}

// Compute describes the external executable run for every request.
type Compute struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout Duration          `json:"timeout" yaml:"timeout"`
}

type Service struct {
	Verbose bool     `json:"verbose" yaml:"verbose"`
	Log     string   `json:"log" yaml:"log"`     // "stderr"|"stdout"|"discard"|path
	Trace   string   `json:"trace" yaml:"trace"` // ""|"stdout"|path
	Sysfs   string   `json:"sysfs" yaml:"sysfs"`
	Rescan  Duration `json:"rescan" yaml:"rescan"` // device rediscovery period in serve, 0 disables it
}

// DefaultConfig returns the schema defaults.
func DefaultConfig() Config {
	cfg, err := LoadConfig(bytes.NewReader([]byte("{}")))
	if err != nil {
		panic(err)
	}
	return *cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if len(bytes.TrimSpace(src)) == 0 {
		src = []byte("{}")
	}

	yamlFile, err := yaml.Extract("config.yaml", src)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}
