package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Command is a static definition of one runnable integration. It is
// immutable once resolved: methods return copies, never alias slices.
type Command struct {
	Name    string        `json:"name" yaml:"name"`
	Path    string        `json:"path" yaml:"path"`
	Args    []string      `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string      `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string        `json:"dir,omitempty" yaml:"dir,omitempty"`
	Group   string        `json:"group,omitempty" yaml:"group,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Every   time.Duration `json:"every,omitempty" yaml:"every,omitempty"`
	Cron    string        `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// CommandOption tweaks a Command built by NewCommand.
type CommandOption func(*Command) error

func WithGroup(group string) CommandOption {
	return func(c *Command) error {
		c.Group = strings.TrimSpace(group)
		return nil
	}
}

// WithTimeout sets an explicit timeout, which must be positive.
func WithTimeout(d time.Duration) CommandOption {
	return func(c *Command) error {
		if d <= 0 {
			return configErrorf("timeout", "must be positive, got %s", d)
		}
		c.Timeout = d
		return nil
	}
}

func WithEnv(env ...string) CommandOption {
	return func(c *Command) error {
		c.Env = append(c.Env, env...)
		return nil
	}
}

func WithDir(dir string) CommandOption {
	return func(c *Command) error {
		c.Dir = dir
		return nil
	}
}

func WithEvery(d time.Duration) CommandOption {
	return func(c *Command) error {
		c.Every = d
		return nil
	}
}

func WithCron(expr string) CommandOption {
	return func(c *Command) error {
		c.Cron = strings.TrimSpace(expr)
		return nil
	}
}

// NewCommand builds a validated Command. invocation is argv-like: the first
// element is the executable, the rest are its arguments.
func NewCommand(name string, invocation []string, opts ...CommandOption) (Command, error) {
	var c Command
	c.Name = strings.TrimSpace(name)
	if len(invocation) > 0 {
		c.Path = invocation[0]
		c.Args = slices.Clone(invocation[1:])
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Command{}, withCommand(err, c.Name)
		}
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Validate returns a *ConfigError describing the first problem found.
func (c Command) Validate() error {
	switch {
	case c.Name == "":
		return configErrorf("name", "command name is empty")
	case c.Path == "":
		return withCommand(configErrorf("invocation", "command invocation is empty"), c.Name)
	case c.Timeout < 0:
		return withCommand(configErrorf("timeout", "must be positive, got %s", c.Timeout), c.Name)
	case c.Every < 0:
		return withCommand(configErrorf("every", "must not be negative, got %s", c.Every), c.Name)
	case c.Every > 0 && c.Cron != "":
		return withCommand(configErrorf("cron", "every and cron are mutually exclusive"), c.Name)
	}
	if c.Cron != "" {
		if _, err := ParseCron(c.Cron); err != nil {
			return withCommand(&ConfigError{Field: "cron", Reason: "invalid cron expression", Err: err}, c.Name)
		}
	}
	return nil
}

// Invocation returns a copy of the argv-like invocation.
func (c Command) Invocation() []string {
	return append([]string{c.Path}, c.Args...)
}

// Clone returns a deep copy.
func (c Command) Clone() Command {
	c.Args = slices.Clone(c.Args)
	c.Env = slices.Clone(c.Env)
	return c
}

func (c Command) String() string {
	return fmt.Sprintf("%s %q", c.Name, c.Invocation())
}

// Batch is the ordered set of commands due in one tick. Names are unique.
type Batch []Command

func NewBatch(cmds ...Command) (Batch, error) {
	seen := make(map[string]struct{}, len(cmds))
	b := make(Batch, 0, len(cmds))
	for _, c := range cmds {
		if _, ok := seen[c.Name]; ok {
			return nil, withCommand(configErrorf("name", "duplicate command name"), c.Name)
		}
		seen[c.Name] = struct{}{}
		b = append(b, c.Clone())
	}
	return b, nil
}

// Names returns command names in batch order.
func (b Batch) Names() []string {
	ret := make([]string, len(b))
	for i, c := range b {
		ret[i] = c.Name
	}
	return ret
}
