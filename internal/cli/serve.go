package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/admin"
	"github.com/roach88/scenesync/internal/component"
	"github.com/roach88/scenesync/internal/config"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/engine"
	"github.com/roach88/scenesync/internal/executor"
	"github.com/roach88/scenesync/internal/logging"
	"github.com/roach88/scenesync/internal/metrics"
	"github.com/roach88/scenesync/internal/rpc"
	"github.com/roach88/scenesync/internal/service"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/wire"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string
	Admin      string
	Database   string
	Catalog    string
	Scenes     []string

	// OnReady is called with the RPC address once the server accepts
	// connections (for testing).
	OnReady func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		Long: `Run the replication server.

Settings come from the defaults, then the --config file (TOML or YAML), then
any flag given on the command line. Scenes listed in the config or with
--scene are loaded at startup. On SIGINT or SIGTERM the server stops
accepting calls, snapshots every loaded scene and exits.

Example:
  scenesync serve --config scenesync.toml
  scenesync serve --listen :7420 --admin "" --db /var/lib/scenesync.db --scene lobby`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), opts, cfg, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	f.StringVar(&opts.Listen, "listen", "", "RPC listen address")
	f.StringVar(&opts.Admin, "admin", "", `admin HTTP address ("" disables)`)
	f.StringVar(&opts.Database, "db", "", `SQLite journal path ("" disables persistence)`)
	f.StringVar(&opts.Catalog, "catalog", "", "CUE component catalog")
	f.StringSliceVar(&opts.Scenes, "scene", nil, "scene to load at startup (repeatable)")

	return cmd
}

// resolve layers flags over the config file over the defaults.
func (o *ServeOptions) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.Listen
	}
	if flags.Changed("admin") {
		cfg.Admin = o.Admin
	}
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("catalog") {
		cfg.Catalog = o.Catalog
	}
	cfg.Scenes = config.NormalizeScenes(append(cfg.Scenes, o.Scenes...))

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// storeOptions wires the journal and snapshots. A scene loaded again after an
// unload starts empty unless RestoreSnapshots is set.
func storeOptions(cfg config.Config, st *store.Store) []service.Option {
	opts := []service.Option{service.WithJournal(st)}
	if cfg.PersistSnapshots {
		opts = append(opts, service.WithSnapshots(st, cfg.RestoreSnapshots))
	}
	return opts
}

func runServe(parent context.Context, opts *ServeOptions, cfg config.Config, cmd *cobra.Command) error {
	if parent == nil {
		parent = context.Background()
	}

	logCfg := logging.DefaultConfig(opts.Verbose)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && !opts.Verbose {
		logCfg.Level = lvl
	}
	logCfg.Format = cfg.LogFormat
	logger := logging.Install(cmd.ErrOrStderr(), logCfg)
	metrics.RegisterMetrics()

	components, err := loadComponents(cfg.Catalog)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load component catalog", err)
	}

	maxPull := int(cfg.MaxFrameBytes) - wire.TLVHeaderLen
	svcOpts := []service.Option{
		service.WithLogger(logger),
		service.WithMaxPullBytes(max(maxPull, 1)),
	}
	if cfg.Database != "" {
		logger.Info("opening database", "path", cfg.Database)
		st, err := store.Open(cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing database", "error", err)
			}
		}()
		svcOpts = append(svcOpts, storeOptions(cfg, st)...)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	// The loop outlives the signal context so shutdown can still run jobs.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loop := engine.New()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	svc := service.New(loop, ecs.NewRegistry(), components, svcOpts...)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, id := range cfg.Scenes {
		if _, err := svc.LoadScene(ctx, id); err != nil {
			ln.Close()
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load scene %q", id), err)
		}
	}

	srv := rpc.NewServer(svc,
		rpc.WithServerLimits(wire.Limits{MaxPayloadBytes: cfg.MaxFrameBytes}),
		rpc.WithServerLogger(logger),
		rpc.WithIdleTimeout(cfg.IdleTimeout),
	)

	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(ctx, ln) }()

	var adminSrv *http.Server
	if cfg.Admin != "" {
		adminSrv = &http.Server{
			Addr:              cfg.Admin,
			Handler:           admin.NewRouter(svc, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin listening", "addr", cfg.Admin)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scenesync serving on %s\n", ln.Addr())
	if opts.OnReady != nil {
		opts.OnReady(ln.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		if runErr != nil {
			logger.Error("server failed", "error", runErr)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, logger, srv, adminSrv, svc)

	if runErr != nil {
		return WrapExitError(ExitFailure, "server error", runErr)
	}
	logger.Info("stopped gracefully")
	return nil
}

// shutdown stops the transports, then unloads every scene so each one is
// snapshotted, then disposes the executors.
func shutdown(ctx context.Context, logger *slog.Logger, srv *rpc.Server, adminSrv *http.Server, svc *service.Service) {
	if err := srv.Close(); err != nil {
		logger.Error("closing rpc server", "error", err)
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			logger.Error("closing admin server", "error", err)
		}
	}

	scenes, err := svc.Scenes(ctx)
	if err != nil {
		logger.Error("listing scenes for shutdown", "error", err)
	}
	for _, info := range scenes {
		if _, err := svc.UnloadScene(ctx, info.ID); err != nil {
			logger.Error("unloading scene", "scene", info.ID, "error", err)
		}
	}
	if err := svc.Close(ctx); err != nil {
		logger.Error("closing service", "error", err)
	}
}

func loadComponents(catalog string) (executor.ComponentRegistry, error) {
	if catalog == "" {
		return component.Builtin(), nil
	}
	reg, err := component.LoadCatalog(catalog)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
