package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evanschultz/tandem/internal/adapters/remote/httpdoc"
	"github.com/evanschultz/tandem/internal/adapters/server/common"
	"github.com/evanschultz/tandem/internal/adapters/storage/sqlite"
	"github.com/evanschultz/tandem/internal/app"
	"github.com/evanschultz/tandem/internal/config"
	"github.com/evanschultz/tandem/internal/platform"
	"github.com/evanschultz/tandem/internal/remote"
	"github.com/evanschultz/tandem/internal/syncer"
)

// version is stamped at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, newRootCommand(os.Stdout, os.Stderr), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool

	stdout io.Writer
	stderr io.Writer
}

// newRootCommand builds the command tree writing to stdout and stderr.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv("TANDEM_DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	defaultApp := "tandem"
	if envApp := strings.TrimSpace(os.Getenv("TANDEM_APP_NAME")); envApp != "" {
		defaultApp = envApp
	}

	root := &cobra.Command{
		Use:           "tandem",
		Short:         "Offline-first sync engine for a productivity tracker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", defaultApp, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		newPathsCommand(opts),
		newServeCommand(opts),
		newRemoteCommand(opts),
		newStatusCommand(opts),
		newSyncCommand(opts),
		newConflictsCommand(opts),
		newEntityCommand(opts),
		newUndoCommand(opts),
		newHistoryCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
	)
	return root
}

// resolvePaths applies flags, then TANDEM_CONFIG/TANDEM_DB_PATH, then platform defaults.
func (o *rootOptions) resolvePaths() (platform.Paths, error) {
	return platform.Resolve(platform.Options{
		AppName:    o.appName,
		DevMode:    o.devMode,
		ConfigPath: o.configPath,
		DBPath:     o.dbPath,
	})
}

// loadConfig loads the resolved config file with the db override re-applied.
func (o *rootOptions) loadConfig(paths platform.Paths) (config.Config, config.Config, error) {
	defaults := config.Default(paths.DBPath)
	cfg, err := config.Load(paths.ConfigPath, defaults)
	if err != nil {
		return config.Config{}, config.Config{}, fmt.Errorf("load config %q: %w", paths.ConfigPath, err)
	}
	if paths.DBOverridden {
		cfg.Database.Path = paths.DBPath
	}
	return cfg, defaults, nil
}

// runtimeEnv is one opened service with its dependencies.
type runtimeEnv struct {
	paths    platform.Paths
	cfg      config.Config
	defaults config.Config
	logger   *runtimeLogger
	repo     *sqlite.Repository
	svc      *app.Service
	adapter  *common.AppServiceAdapter
	remote   bool
	stderr   io.Writer
}

// openOptions tunes openRuntime per command.
type openOptions struct {
	command string
	// watch opens remote change feeds; long-running commands set it.
	watch bool
	// console keeps runtime logs on stderr.
	console bool
}

// openRuntime resolves configuration, opens storage and the remote, and
// initializes the service. The caller must call close.
func (o *rootOptions) openRuntime(ctx context.Context, opts openOptions) (*runtimeEnv, error) {
	paths, err := o.resolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, defaults, err := o.loadConfig(paths)
	if err != nil {
		return nil, err
	}
	logger, err := newRuntimeLogger(o.stderr, o.appName, o.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.SetConsoleEnabled(opts.console)
	env := &runtimeEnv{paths: paths, cfg: cfg, defaults: defaults, logger: logger, stderr: o.stderr}
	ok := false
	defer func() {
		if !ok {
			env.close()
		}
	}()

	logger.Info("startup configuration resolved", "app", o.appName, "dev_mode", o.devMode, "command", opts.command)
	logger.Debug("runtime paths resolved", "config_path", paths.ConfigPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	deviceID := strings.TrimSpace(cfg.Identity.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := config.UpsertDeviceID(paths.ConfigPath, deviceID); err != nil {
			logger.Warn("device id not persisted", "config_path", paths.ConfigPath, "err", err)
		} else {
			logger.Info("device id generated", "device_id", deviceID)
		}
	}

	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	repo, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	env.repo = repo

	var store remote.DocumentStore
	if url := strings.TrimSpace(cfg.Remote.URL); url != "" {
		client, err := httpdoc.New(url, httpdoc.Options{
			Token:   cfg.Remote.Token,
			Timeout: cfg.RemoteTimeout(),
			Logger:  logger.Component("remote"),
		})
		if err != nil {
			return nil, fmt.Errorf("configure remote: %w", err)
		}
		store = client
		env.remote = true
	}

	initial, maxBackoff := cfg.RetryBackoff()
	svc, err := app.NewService(app.Config{
		Repo:              repo,
		Remote:            store,
		DeviceID:          deviceID,
		Logger:            logger.Component("service"),
		CollectionPrefix:  cfg.Remote.CollectionsPrefix,
		ManualFields:      cfg.Sync.ManualFields,
		Backoff:           syncer.Backoff{Initial: initial, Max: maxBackoff},
		MaxPushAttempts:   cfg.Sync.MaxPushAttempts,
		ReconnectInterval: cfg.ReconnectInterval(),
		ReconnectBurst:    cfg.Sync.ReconnectBurst,
		UndoWindow:        cfg.UndoWindow(),
		MaxVisibleUndos:   cfg.Undo.MaxVisible,
		Watch:             opts.watch,
	})
	if err != nil {
		return nil, fmt.Errorf("configure service: %w", err)
	}
	if err := svc.Init(ctx, cfg.Identity.UserID); err != nil {
		return nil, fmt.Errorf("initialize service: %w", err)
	}
	env.svc = svc
	timeout := cfg.RemoteTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	env.adapter = common.NewAppServiceAdapter(svc).WithAckTimeout(timeout)
	logger.Debug("application service initialized", "remote", env.remote, "user_id", cfg.Identity.UserID)
	ok = true
	return env, nil
}

// policy maps the runtime-adjustable config fields onto the service policy.
func policy(cfg config.Config) app.Policy {
	return app.Policy{
		ManualFields:    append([]string{}, cfg.Sync.ManualFields...),
		UndoWindow:      cfg.UndoWindow(),
		MaxVisibleUndos: cfg.Undo.MaxVisible,
	}
}

// close tears down the service, then storage, then log sinks.
func (e *runtimeEnv) close() {
	if e == nil {
		return
	}
	if e.svc != nil {
		e.svc.Teardown()
	}
	if e.repo != nil {
		if err := e.repo.Close(); err != nil {
			e.logger.Warn("sqlite close failed", "db_path", e.cfg.Database.Path, "err", err)
		}
	}
	if err := e.logger.Close(); err != nil && e.logger.ConsoleEnabled() {
		_, _ = fmt.Fprintf(e.stderr, "warning: close runtime log sink: %v\n", err)
	}
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
