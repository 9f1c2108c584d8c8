package model

import (
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeContinuous = "continuous"
	ServiceModeOneShot    = "oneshot"

	DefaultInterval = 60 * time.Second
	DefaultGrace    = 5 * time.Second
	DefaultOut      = "tickrun.out"
	DefaultPID      = "tickrun.pid"
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
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
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
}

// Config is the raw, schema-validated content of tickrun.yaml. Call Resolve to
// obtain typed Settings.
type Config struct {
	Version  int             `json:"version" yaml:"version"` // fixed 0 for now
	Service  Service         `json:"service" yaml:"service"`
	Groups   []Group         `json:"groups,omitempty" yaml:"groups,omitempty"`
	Commands []CommandConfig `json:"commands,omitempty" yaml:"commands,omitempty"`
}

type Service struct {
	Mode           string  `json:"mode" yaml:"mode"` // "continuous" | "oneshot"
	Interval       string  `json:"interval" yaml:"interval"`
	MaxConcurrency int     `json:"max_concurrency" yaml:"max_concurrency"`
	Grace          string  `json:"grace,omitempty" yaml:"grace,omitempty"`
	Verbose        bool    `json:"verbose" yaml:"verbose"`
	Out            string  `json:"out" yaml:"out"` // daemon stdout/stderr
	PID            string  `json:"pid" yaml:"pid"`
	Report         *Report `json:"report,omitempty" yaml:"report,omitempty"`
}

// Report selects the reporting sinks. No sink configured means stdout.
type Report struct {
	Stdout *bool  `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
}

type Group struct {
	Name           string `json:"name" yaml:"name"`
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency"`
}

type CommandConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Group   string            `json:"group,omitempty" yaml:"group,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Every   string            `json:"every,omitempty" yaml:"every,omitempty"`
	Cron    string            `json:"cron,omitempty" yaml:"cron,omitempty"`
	Enabled *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// DefaultConfig is used in command-line mode, when no file is given.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Mode:           ServiceModeContinuous,
			Interval:       DefaultInterval.String(),
			MaxConcurrency: 1,
			Out:            DefaultOut,
			PID:            DefaultPID,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Validation errors are returned as *ConfigError with humanized Details.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("tickrun.yaml", r)
	if err != nil {
		return nil, &ConfigError{Reason: "parsing yaml", Err: err}
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, &ConfigError{Reason: "schema validation", Details: humanize(err, unified), Err: err}
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, &ConfigError{Reason: "decoding", Err: err}
	}
	return &out, nil
}

// CueErrDetails returns the humanized schema errors carried by err.
func CueErrDetails(err error) []CueErrorDetail {
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		return nil
	}
	return cerr.Details
}

type Mode int

const (
	ModeContinuous Mode = iota
	ModeOneShot
)

func (m Mode) String() string {
	if m == ModeOneShot {
		return ServiceModeOneShot
	}
	return ServiceModeContinuous
}

// Settings is the normalized form of Config the engine consumes.
type Settings struct {
	Mode           Mode
	Interval       time.Duration
	MaxConcurrency int
	Grace          time.Duration
	Verbose        bool
	Out            string
	PID            string
	Report         Report
	Groups         map[string]int
	Commands       []Command
}

// Resolve turns the raw config into Settings; disabled commands are dropped.
func (c Config) Resolve() (Settings, error) {
	svc := c.Service
	s := Settings{
		Mode:           ModeContinuous,
		Interval:       DefaultInterval,
		MaxConcurrency: max(svc.MaxConcurrency, 1),
		Grace:          DefaultGrace,
		Verbose:        svc.Verbose,
		Out:            orDefault(svc.Out, DefaultOut),
		PID:            orDefault(svc.PID, DefaultPID),
		Groups:         make(map[string]int, len(c.Groups)),
	}
	if svc.Report != nil {
		s.Report = *svc.Report
	}

	switch svc.Mode {
	case "", ServiceModeContinuous:
	case ServiceModeOneShot:
		s.Mode = ModeOneShot
	default:
		return Settings{}, configErrorf("service.mode", "unsupported mode %q", svc.Mode)
	}

	var err error
	if svc.Interval != "" {
		if s.Interval, err = ParseDuration(svc.Interval); err != nil {
			return Settings{}, &ConfigError{Field: "service.interval", Err: err}
		}
	}
	if s.Mode == ModeContinuous && s.Interval <= 0 {
		return Settings{}, configErrorf("service.interval", "must be positive in continuous mode")
	}
	if svc.Grace != "" {
		if s.Grace, err = ParseDuration(svc.Grace); err != nil {
			return Settings{}, &ConfigError{Field: "service.grace", Err: err}
		}
	}

	for _, g := range c.Groups {
		if _, ok := s.Groups[g.Name]; ok {
			return Settings{}, configErrorf("groups", "duplicate group %q", g.Name)
		}
		s.Groups[g.Name] = g.MaxConcurrency
	}

	seen := make(map[string]struct{}, len(c.Commands))
	for _, cc := range c.Commands {
		if _, ok := seen[cc.Name]; ok {
			return Settings{}, withCommand(configErrorf("name", "duplicate command name"), cc.Name)
		}
		seen[cc.Name] = struct{}{}
		if cc.Enabled != nil && !*cc.Enabled {
			continue
		}
		cmd, err := cc.command()
		if err != nil {
			return Settings{}, err
		}
		s.Commands = append(s.Commands, cmd)
	}
	return s, nil
}

func (cc CommandConfig) command() (Command, error) {
	opts := []CommandOption{
		WithGroup(cc.Group),
		WithDir(cc.Dir),
		WithEnv(cc.environ()...),
		WithCron(cc.Cron),
	}
	for _, d := range []struct {
		field string
		value string
		opt   func(time.Duration) CommandOption
	}{
		{"timeout", cc.Timeout, WithTimeout},
		{"every", cc.Every, WithEvery},
	} {
		if d.value == "" {
			continue
		}
		v, err := ParseDuration(d.value)
		if err != nil {
			return Command{}, withCommand(&ConfigError{Field: d.field, Err: err}, cc.Name)
		}
		opts = append(opts, d.opt(v))
	}
	return NewCommand(cc.Name, append([]string{cc.Path}, cc.Args...), opts...)
}

// environ returns sorted KEY=VALUE pairs; values starting with $ are expanded
// from the current environment.
func (cc CommandConfig) environ() []string {
	if len(cc.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(cc.Env))
	for k, v := range cc.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}

func orDefault(s, dflt string) string {
	if s == "" {
		return dflt
	}
	return s
}

// LoadConfigFile opens path and calls LoadConfig.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Reason: "opening config file", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()
	return LoadConfig(f)
}
