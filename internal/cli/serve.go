package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/streamsale/internal/api"
	"github.com/roach88/streamsale/internal/config"
	"github.com/roach88/streamsale/internal/events/kafkasink"
	"github.com/roach88/streamsale/internal/events/natssink"
	"github.com/roach88/streamsale/internal/market"
	"github.com/roach88/streamsale/internal/registry"
	"github.com/roach88/streamsale/internal/store"
	"github.com/roach88/streamsale/internal/upkeep"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Addr       string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the upkeep loop",
		Long: `Run the streamsale HTTP API together with the background upkeep loop.

Configuration is read from --config (YAML) over built-in defaults; --db and
--addr override the file. Events are persisted to the SQLite database and,
when configured, fanned out to Kafka and NATS.

On startup, profiles and items recorded in the database are restored, so
GET /items lists every item created before the restart. Units already issued
stay issued. Token balances and open streams are held in memory only: they
start empty, and buyers have to open their streams again.

Example:
  streamsale serve --db ./streamsale.db --addr :8080
  streamsale serve --config ./streamsale.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")

	return cmd
}

// resolveConfig loads the config file and applies flag overrides.
func resolveConfig(opts *ServeOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("db") {
		cfg.Database = opts.Database
	}
	if cmd.Flags().Changed("addr") {
		cfg.HTTP.Addr = opts.Addr
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := resolveConfig(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	lastSeq, err := st.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event log", err)
	}
	items, err := st.ReadItems(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read item index", err)
	}
	profiles, err := st.ReadProfiles(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read profiles", err)
	}

	marketOpts := []market.Option{
		market.WithLedger(st),
		market.WithIndexRecorder(st),
		market.WithSink(st),
		market.WithSeqStart(lastSeq),
		market.WithItemNonceStart(int64(len(items))),
		market.WithMaxPayloadBytes(cfg.Upkeep.MaxPayloadBytes),
		market.WithLogger(logger),
	}

	if cfg.Events.Kafka.Enabled() {
		ks := kafkasink.New(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger)
		defer ks.Close()
		marketOpts = append(marketOpts, market.WithSink(ks))
		logger.Info("kafka sink enabled", "brokers", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	}
	if cfg.Events.NATS.Enabled() {
		ns, err := natssink.Connect(natssink.Config{URL: cfg.Events.NATS.URL, Subject: cfg.Events.NATS.Subject})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer ns.Close()
		marketOpts = append(marketOpts, market.WithSink(ns))
		logger.Info("nats sink enabled", "url", cfg.Events.NATS.URL, "subject", cfg.Events.NATS.Subject)
	}

	m := market.New(marketOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.Run(gctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	if err := m.Restore(gctx, restoredProfiles(profiles), restoredItems(items)); err != nil {
		stop()
		_ = g.Wait()
		return WrapExitError(ExitCommandError, "failed to restore market", err)
	}
	g.Go(func() error {
		return api.Serve(gctx, cfg.HTTP.Addr, api.NewRouter(m, logger), logger)
	})
	g.Go(func() error {
		return upkeep.NewLoop(m, cfg.UpkeepInterval(), logger).Run(gctx)
	})

	logger.Info("streamsale started", "db", cfg.Database, "addr", cfg.HTTP.Addr, "seq", lastSeq, "items", len(items), "profiles", len(profiles))
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("streamsale stopped gracefully")
	return nil
}

func restoredProfiles(recs []store.ProfileRecord) []registry.Profile {
	out := make([]registry.Profile, len(recs))
	for i, r := range recs {
		out[i] = registry.Profile{ID: r.ID, Owner: r.Owner, Name: r.Name, Description: r.Description}
	}
	return out
}

func restoredItems(recs []store.ItemRecord) []market.RecordedItem {
	out := make([]market.RecordedItem, len(recs))
	for i, r := range recs {
		out[i] = market.RecordedItem{ID: r.ID, Terms: r.Terms}
	}
	return out
}
