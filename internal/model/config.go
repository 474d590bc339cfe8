package model

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultDatabase = "./batch.db"
	DefaultWorkers  = 4
	DefaultRelay    = 4
	MaxWorkers      = 256   // monitor.workers bound in config.cue
	MaxRelay        = 65536 // monitor.relay bound in config.cue

	LogFormatJSON = "json"
	LogFormatText = "text"
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

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the content of iter.yaml.
type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Database *string  `json:"database,omitempty" yaml:"database,omitempty"`
	Log      *Log     `json:"log,omitempty" yaml:"log,omitempty"`
	Command  *Command `json:"command,omitempty" yaml:"command,omitempty"`
	Monitor  *Monitor `json:"monitor,omitempty" yaml:"monitor,omitempty"`
}

type Log struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Format  *string `json:"format,omitempty" yaml:"format,omitempty"` // "json" | "text"
}

// Command settings applied to every executed command.
type Command struct {
	Timeout *string           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // time.ParseDuration syntax
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Monitor configures the monitor pipeline.
type Monitor struct {
	Workers     *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	Relay       *int    `json:"relay,omitempty" yaml:"relay,omitempty"`
	MetricsAddr *string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

// DefaultConfig is stored as iter.yaml when no config exists yet.
func DefaultConfig() Config {
	return Config{
		Version:  0,
		Database: ptr(DefaultDatabase),
		Log: &Log{
			Verbose: ptr(false),
			Format:  ptr(LogFormatJSON),
		},
		Monitor: &Monitor{
			Workers: ptr(DefaultWorkers),
			Relay:   ptr(DefaultRelay),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("iter.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if _, err := out.Timeout(); err != nil {
		return Config{}, err
	}

	return out, nil
}

func (c Config) DatabasePath() string {
	if c.Database == nil {
		return DefaultDatabase
	}
	return *c.Database
}

func (c Config) Verbose() bool {
	if c.Log == nil {
		return false
	}
	return get(c.Log.Verbose)
}

func (c Config) LogFormat() string {
	if c.Log == nil || c.Log.Format == nil {
		return LogFormatJSON
	}
	return *c.Log.Format
}

func (c Config) Workers() int {
	if c.Monitor == nil || c.Monitor.Workers == nil {
		return DefaultWorkers
	}
	return *c.Monitor.Workers
}

func (c Config) Relay() int {
	if c.Monitor == nil || c.Monitor.Relay == nil {
		return DefaultRelay
	}
	return *c.Monitor.Relay
}

func (c Config) MetricsAddr() string {
	if c.Monitor == nil {
		return ""
	}
	return get(c.Monitor.MetricsAddr)
}

// Timeout returns the command timeout, zero if none is configured.
func (c Config) Timeout() (time.Duration, error) {
	if c.Command == nil || get(c.Command.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(*c.Command.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing command.timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("command.timeout %s is negative", d)
	}
	return d, nil
}

// Env returns the environment for executed commands: the one of this process
// extended by command.env. Values are expanded with os.ExpandEnv. Returns nil
// when nothing is configured, which makes a command inherit the environment.
func (c Config) Env() []string {
	if c.Command == nil || len(c.Command.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Command.Env))
	for k := range c.Command.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		v := c.Command.Env[k]
		if strings.Contains(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

func ptr[T any](v T) *T {
	return &v
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}
