package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/iter/internal/batch"
	"github.com/CZERTAINLY/iter/internal/log"
	"github.com/CZERTAINLY/iter/internal/model"
	"github.com/CZERTAINLY/iter/internal/store"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const configName = "iter.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes iter with args and returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := newApp(stdin, stdout, stderr)
	root := a.rootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if batch.IsNotFound(err) {
			_, _ = fmt.Fprintln(stderr, err)
		} else {
			slog.Error("iter failed", "error", err)
		}
		return 1
	}
	return 0
}

// app holds the state of one iter invocation.
type app struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	clock  batch.Clock

	configPath string // actual config file used
	config     model.Config
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	v := viper.New()
	v.SetEnvPrefix("ITER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{
		v:      v,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		clock:  time.Now,
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "iter",
		Short:             "Runs a command for every input record and stores the outcomes",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetIn(a.stdin)

	pf := root.PersistentFlags()
	pf.String("config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigDir())
	pf.String("db", "", "Path of the results database (default "+model.DefaultDatabase+")")
	pf.Bool("verbose", false, "verbose logging")
	a.bind(pf.Lookup("config"), pf.Lookup("db"), pf.Lookup("verbose"))

	root.AddCommand(
		a.newCmd(),
		a.runCmd(),
		a.monitorCmd(),
		a.clearCmd(),
		a.showCmd(),
		a.exportCmd(),
		a.lsCmd(),
		a.versionCmd(),
	)
	return root
}

// init loads the config, applies flag and environment overrides and sets up
// logging. Precedence is flag, ITER_* environment variable, config file.
func (a *app) init(cmd *cobra.Command, _ []string) error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	if a.v.IsSet("db") {
		a.config.Database = ptr(a.v.GetString("db"))
	}
	if a.v.IsSet("verbose") {
		if a.config.Log == nil {
			a.config.Log = &model.Log{}
		}
		a.config.Log.Verbose = ptr(a.v.GetBool("verbose"))
	}

	logger := log.New(a.stderr, a.config.Verbose(), a.config.LogFormat())
	slog.SetDefault(logger)

	ctx := log.ContextAttrs(cmd.Context(), slog.Group("iter",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))
	cmd.SetContext(ctx)

	slog.DebugContext(ctx, "iter started", "configPath", a.configPath)
	slog.DebugContext(ctx, "iter started", "config", a.config)
	return nil
}

func (a *app) loadConfig() error {
	if a.v.IsSet("config") {
		a.configPath = a.v.GetString("config")
	} else {
		for _, d := range []string{".", userConfigDir()} {
			path := filepath.Join(d, configName)
			if exists(path) {
				a.configPath = path
				break
			}
		}
	}

	if a.configPath == "" {
		a.config = model.DefaultConfig()
		a.configPath = filepath.Join(userConfigDir(), configName)
		return storeConfig(a.configPath, a.config)
	}

	f, err := os.Open(a.configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	a.config, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config %s: %w", a.configPath, err)
	}
	return nil
}

func storeConfig(path string, config model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(config); err != nil {
		_ = f.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	return f.Close()
}

// bind makes flags readable through viper, so ITER_* variables apply too.
func (a *app) bind(flags ...*pflag.Flag) {
	for _, f := range flags {
		if err := a.v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	}
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, a.config.DatabasePath())
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid batch id %q", s)
	}
	return id, nil
}

func userConfigDir() string {
	d, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(d, "iter")
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func ptr[T any](v T) *T {
	return &v
}
