package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/tickrun/tickrun/internal/daemon"
	"github.com/tickrun/tickrun/internal/log"
	"github.com/tickrun/tickrun/internal/model"
	"github.com/tickrun/tickrun/internal/pidfile"
	"github.com/tickrun/tickrun/internal/service"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	exitGeneric = 1
	exitConfig  = 2

	// commands annotated this way still work with a broken config
	annotationConfig = "config"
	configOptional   = "optional"
)

var (
	userConfigPath string // /default/config/path/tickrun on given OS
	configPath     string // actual config file used; empty in command-line mode
	config         model.Config
	settings       model.Settings
	overrides      service.Overrides

	flagDetached bool
	flagOnce     bool
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "tickrun")
}

func main() {
	// root flags, all of them can be set by TICKRUN_* variables as well
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file to load - default is tickrun.yaml in current directory or in "+userConfigPath)
	flags.Bool("verbose", false, "verbose logging")
	flags.String("pid", "", "lock record path (default "+model.DefaultPID+")")
	flags.String("out", "", "output file of a detached instance (default "+model.DefaultOut+")")
	flags.String("interval", "", "delay between ticks, e.g. 30s or PT1M")
	flags.Int("max-concurrency", 0, "maximum of commands running at once")
	flags.String("name", "", "command name in command-line mode")
	flags.Duration("timeout", 0, "command timeout in command-line mode")

	runCmd.Flags().BoolVar(&flagOnce, "once", false, "run every command once and exit")
	runCmd.Flags().BoolVar(&flagDetached, "detached", false, "internal: running as a detached instance")
	_ = runCmd.Flags().MarkHidden("detached")

	viper.SetEnvPrefix("tickrun")
	viper.AutomaticEnv()
	for _, name := range []string{"config", "verbose", "pid", "out", "interval", "max-concurrency", "name", "timeout"} {
		if err := viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTickrun

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("tickrun failed", "err", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var are *pidfile.AlreadyRunningError
	switch {
	case errors.As(err, &are):
		return daemon.ExitAlreadyRunning
	case model.IsConfigError(err):
		return exitConfig
	default:
		return exitGeneric
	}
}

var rootCmd = &cobra.Command{
	Use:          "tickrun",
	Short:        "Runs external commands periodically and reports their results",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [-- command args...]",
	Short: "run the scheduler in the foreground",
	Long: "run reads the configuration and runs the due commands on every tick.\n" +
		"Without a config file, the command given after -- is run on every tick.",
	RunE: doRun,
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once [-- command args...]",
	Short: "run every command once and exit, same as run --once",
	RunE: func(cmd *cobra.Command, args []string) error {
		flagOnce = true
		return doRun(cmd, args)
	},
}

var startCmd = &cobra.Command{
	Use:   "start [-- command args...]",
	Short: "start a detached instance",
	RunE:  doStart,
}

var stopCmd = &cobra.Command{
	Use:         "stop",
	Short:       "stop the detached instance",
	Annotations: map[string]string{annotationConfig: configOptional},
	RunE: func(cmd *cobra.Command, _ []string) error {
		err := controller().Stop(cmd.Context())
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("tickrun is not running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("tickrun stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:         "status",
	Short:       "show the state of the instance owning the lock",
	Annotations: map[string]string{annotationConfig: configOptional},
	Run: func(cmd *cobra.Command, _ []string) {
		rep := controller().Status()
		fmt.Printf("state:  %s\n", rep.State)
		if rep.PID > 0 {
			fmt.Printf("pid:    %d\n", rep.PID)
		}
		if !rep.AcquiredAt.IsZero() {
			fmt.Printf("since:  %s\n", rep.AcquiredAt.Local().Format("2006-01-02 15:04:05"))
		}
		if rep.Detail != "" {
			fmt.Printf("detail: %s\n", rep.Detail)
		}
		fmt.Printf("lock:   %s\n", settings.PID)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the configuration in use, flags and environment applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printConfig(cmd.OutOrStdout(), config)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a tickrun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("tickrun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("tickrun: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func controller() *daemon.Controller {
	return daemon.New(settings.PID, settings.Out)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if flagOnce && flagDetached {
		return errors.New("--once can't be combined with a detached instance")
	}
	mode := settings.Mode
	if flagOnce {
		mode = model.ModeOneShot
	}

	attrs := slog.Group("tickrun",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
		slog.Bool("detached", flagDetached),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	src, watcher, err := source(args, mode)
	if err != nil {
		return err
	}
	eng := service.Engine{
		Settings: settings,
		Mode:     mode,
		Source:   src,
	}

	// a single pass holds the lock as well, so it never overlaps a daemon
	return controller().Serve(ctx, func(ctx context.Context, lock *pidfile.Handle) error {
		if mode == model.ModeContinuous {
			eng.TickCheck = lock.Verify
			eng.Watcher = watcher
		}
		return eng.Run(ctx)
	})
}

// source returns the command set: the argv after -- in command-line mode,
// the config file otherwise. A watcher is returned for a continuous run
// from a config file.
func source(args []string, mode model.Mode) (service.Source, *service.Watcher, error) {
	if len(args) > 0 {
		c, err := overrides.Cmd(args)
		if err != nil {
			return nil, nil, err
		}
		return service.StaticSource{c}, nil, nil
	}
	if configPath == "" {
		return nil, nil, &model.ConfigError{Reason: "no config file found and no command given after --"}
	}
	if len(settings.Commands) == 0 {
		slog.Warn("no enabled commands in config", "path", configPath)
	}
	if mode == model.ModeOneShot {
		return service.StaticSource(settings.Commands), nil, nil
	}
	w := service.NewWatcher(configPath, settings.Commands)
	return w, w, nil
}

func doStart(cmd *cobra.Command, args []string) error {
	childArgs := []string{"run", "--detached"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		childArgs = append(childArgs, "--config", abs)
	}
	for _, name := range []string{"verbose", "pid", "out", "interval", "max-concurrency", "name", "timeout"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			childArgs = append(childArgs, "--"+name+"="+f.Value.String())
		}
	}
	if len(args) > 0 {
		childArgs = append(append(childArgs, "--"), args...)
	}

	pid, err := controller().WithArgs(childArgs...).Start(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("tickrun started, pid %d, output in %s\n", pid, settings.Out)
	return nil
}

func initTickrun(cmd *cobra.Command, _ []string) error {
	configPath = viper.GetString("config")
	if configPath == "" {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "tickrun.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// logging is needed for the config errors already
	slog.SetDefault(log.New(os.Stderr, viper.GetBool("verbose")))

	var err error
	overrides, err = service.ParseOverrides(viper.GetViper())
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	err = loadSettings()
	if err != nil && cmd.Annotations[annotationConfig] == configOptional {
		slog.Error("config ignored: lock path taken from flags or defaults", "command", cmd.Name(), "error", err)
		settings = fallbackSettings(overrides)
		err = nil
	}
	if err != nil {
		return err
	}

	slog.SetDefault(log.New(os.Stderr, settings.Verbose))
	slog.Debug("tickrun init", "configPath", configPath, "command", cmd.Name())
	slog.Debug("tickrun init", "config", config)
	return nil
}

func loadSettings() error {
	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		cfg, err := model.LoadConfigFile(configPath)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.String(), d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// flags and environment have a precedence over config file
	overrides.Apply(&config)

	var err error
	settings, err = config.Resolve()
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// fallbackSettings locates the instance when the config can't be used.
func fallbackSettings(o service.Overrides) model.Settings {
	s := model.Settings{
		PID:     model.DefaultPID,
		Out:     model.DefaultOut,
		Verbose: o.Verbose,
	}
	if o.PID != "" {
		s.PID = o.PID
	}
	if o.Out != "" {
		s.Out = o.Out
	}
	return s
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
