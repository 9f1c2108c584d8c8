package service

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/tickrun/tickrun/internal/model"
)

// Overrides are service settings given by flags or TICKRUN_* variables. They
// take precedence over the config file.
type Overrides struct {
	Verbose        bool          `mapstructure:"verbose"`
	PID            string        `mapstructure:"pid"`
	Out            string        `mapstructure:"out"`
	Interval       string        `mapstructure:"interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Name           string        `mapstructure:"name"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func ParseOverrides(v *viper.Viper) (Overrides, error) {
	var o Overrides
	err := v.Unmarshal(&o)
	return o, err
}

// Apply copies every set value into cfg.
func (o Overrides) Apply(cfg *model.Config) {
	svc := &cfg.Service
	if o.Verbose {
		svc.Verbose = true
	}
	if o.PID != "" {
		svc.PID = o.PID
	}
	if o.Out != "" {
		svc.Out = o.Out
	}
	if o.Interval != "" {
		svc.Interval = o.Interval
	}
	if o.MaxConcurrency > 0 {
		svc.MaxConcurrency = o.MaxConcurrency
	}
}

// Cmd builds the single command of command-line mode. The name defaults to
// the base name of the executable.
func (o Overrides) Cmd(argv []string) (model.Command, error) {
	name := o.Name
	if name == "" && len(argv) > 0 {
		name = filepath.Base(argv[0])
	}
	var opts []model.CommandOption
	if o.Timeout != 0 {
		opts = append(opts, model.WithTimeout(o.Timeout))
	}
	return model.NewCommand(name, argv, opts...)
}
