// Command portal-listen keeps a realtime channel open to the portal for
// one user, logs the domain events it receives and optionally journals
// them to PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bizportal/portal-realtime/internal/api"
	"github.com/bizportal/portal-realtime/internal/auth"
	"github.com/bizportal/portal-realtime/internal/config"
	"github.com/bizportal/portal-realtime/internal/connection"
	"github.com/bizportal/portal-realtime/internal/database"
	"github.com/bizportal/portal-realtime/internal/eventbus"
	"github.com/bizportal/portal-realtime/internal/journal"
	"github.com/bizportal/portal-realtime/internal/metrics"
	"github.com/bizportal/portal-realtime/internal/version"
)

const (
	leaveTimeout    = 5 * time.Second
	shutdownTimeout = 15 * time.Second
)

type options struct {
	email    string
	password string
}

func main() {
	configPath := flag.String("config", "configs/portal-listen.yaml", "path to config file")
	email := flag.String("email", "", "log in with this email when no stored session exists")
	password := flag.String("password", "", "password for -email (default $PORTAL_PASSWORD)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting portal-listen",
		"version", version.String(),
		"config", *configPath,
	)

	opts := options{email: *email, password: *password}
	if opts.password == "" {
		opts.password = os.Getenv("PORTAL_PASSWORD")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("portal-listen failed", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	store := auth.NewFileStore(cfg.Credentials.Path)

	// Without a base URL the binary runs from the credentials file alone
	var sessions sessionAPI
	if cfg.API.BaseURL != "" {
		sessions = api.NewClient(cfg.API.ClientConfig(), logger)
	}

	sess, err := obtainSession(ctx, store, sessions, opts, logger)
	if err != nil {
		return err
	}
	logger.Info("session ready", "user_id", sess.UserID, "credentials", store.Path())

	bus := eventbus.New(logger)
	m := metrics.New(phaseNames())
	mgr := connection.NewManager(cfg.Realtime.ManagerConfig(), bus, store, logger, connection.WithMetrics(m))

	subscribeLogging(bus, cfg.Realtime.Topics, logger)

	// The manager and journal outlive the signal context so the room can be
	// left and the journal flushed during shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = startJournal(ctx, runCtx, cfg.Journal, bus, cfg.Realtime.Topics, logger)
		if err != nil {
			return err
		}
	}

	if err := mgr.Start(runCtx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	mgr.Connect(connection.AuthContext{Token: sess.AccessToken, UserID: sess.UserID})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHTTPHandler(mgr, bus, jrnl, m, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("received SIGHUP, reloading credentials")
				reloadCredentials(gctx, store, sessions, mgr, logger)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		leaveRoom(bus, mgr, leaveTimeout, logger)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := mgr.Stop(shutdownCtx); err != nil {
			logger.Warn("connection manager stop", "error", err)
		}
		if jrnl != nil {
			jrnl.Stop(shutdownCtx)
		}
		cancelRun()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("portal-listen stopped", "stats", mgr.Stats())
	return err
}

func phaseNames() []string {
	phases := connection.Phases()
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.String()
	}
	return names
}

// startJournal connects to the journal database and attaches the journal
// to the event topics. Connection setup honours ctx; the flush loop runs
// on runCtx.
func startJournal(ctx, runCtx context.Context, cfg config.JournalConfig, bus *eventbus.Bus, topics []string, logger *slog.Logger) (*journal.Journal, error) {
	logger.Info("connecting to journal database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect journal database: %w", err)
	}

	inserter := journal.NewPostgresInserter(pool, journal.DefaultTable)
	if err := inserter.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	jrnl := journal.New(journal.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		BufferSize:    cfg.BufferSize,
	}, inserter, logger.With("component", "journal"))
	jrnl.Attach(bus, topics)
	jrnl.Start(runCtx)

	// Close the pool once the flush loop context ends; Stop flushes first.
	go func() {
		<-runCtx.Done()
		pool.Close()
	}()

	return jrnl, nil
}
