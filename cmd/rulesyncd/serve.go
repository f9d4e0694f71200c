package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/0x4d31/rulesync/internal/config"
	"github.com/0x4d31/rulesync/internal/health"
	"github.com/0x4d31/rulesync/internal/ingest"
	"github.com/0x4d31/rulesync/internal/metrics"
	"github.com/0x4d31/rulesync/internal/rpc"
	"github.com/0x4d31/rulesync/internal/session"
	"github.com/0x4d31/rulesync/internal/spool"
	"github.com/0x4d31/rulesync/internal/state"
	"github.com/0x4d31/rulesync/internal/update"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var noInbox, noSweep, noSchedule bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sensor protocol, watch the inbox and check sensor health",
		Long: `Serve the sensor protocol. Bundles dropped into <inbox_dir>/new are
ingested for the source named by the file name prefix, e.g. emerging.tar.gz
updates source "emerging". Sources with a URL are updated every
update.interval, and "rulesyncd update --remote" triggers an update through
the admin listener.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withDB(func(db *state.DB) error {
				return serve(ctx, a.cfg, db, services{
					inbox:    !noInbox,
					sweep:    !noSweep,
					schedule: !noSchedule,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&noInbox, "no-inbox", false, "do not watch the inbox directory")
	cmd.Flags().BoolVar(&noSweep, "no-health", false, "do not check sensors")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not update URL sources periodically")
	return cmd
}

// newOrchestrator wires the update pipeline from configuration.
func newOrchestrator(cfg *config.Config, db *state.DB, m *metrics.Metrics) *update.Orchestrator {
	engine := ingest.NewEngine(db, ingest.Options{
		MaxRevisions:         cfg.Update.MaxRevisions,
		ActivateNewRevisions: cfg.Update.ActivateNewRevisions,
		CacheSize:            cfg.Update.CacheSize,
	})
	return update.New(db, engine, update.Config{
		WorkDir: cfg.Update.StorageDir,
		Fetcher: update.NewFetcher(cfg.Update.FetchTimeout, cfg.Update.FetchRetries, cfg.Update.RetryWait),
		Metrics: m,
	})
}

// newSweeper wires sensor health checks from configuration.
func newSweeper(cfg *config.Config, db *state.DB, m *metrics.Metrics) *health.Sweeper {
	var tlsConfig *tls.Config
	if cfg.Sensor.TLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Sensor.TLSSkipVerify, // #nosec G402 -- operator opt-in for self-signed sensors
		}
	}
	return health.NewSweeper(db, health.NewHTTPPinger(cfg.Sensor.Port, tlsConfig), health.Options{
		Timeout:     cfg.Sensor.PingTimeout,
		Concurrency: cfg.Sensor.Concurrency,
		Metrics:     m,
	})
}

// services selects the background loops serve runs next to the listeners.
type services struct {
	inbox    bool
	sweep    bool
	schedule bool
}

// listen runs srv until ctx is done.
func listen(ctx context.Context, g *errgroup.Group, srv *http.Server, certFile, keyFile string) {
	g.Go(func() error {
		var err error
		if certFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func serve(ctx context.Context, cfg *config.Config, db *state.DB, svc services) error {
	if err := db.View(func(tx *state.Tx) error {
		_, err := tx.AllSensors()
		return err
	}); err != nil {
		return fmt.Errorf("%w (run \"rulesyncd init\" first)", err)
	}

	m := metrics.New()
	sessions := session.NewCache(session.Config{Timeout: cfg.Server.SessionTimeout})
	server := rpc.NewServer(db, sessions, rpc.Config{
		MaxRules:     cfg.Server.MaxRules,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Metrics:      m,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	orch := newOrchestrator(cfg, db, m)
	adminServer := &http.Server{
		Addr:              cfg.Server.AdminListen,
		Handler:           rpc.NewAdmin(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var inbox *spool.Watcher
	if svc.inbox {
		w, err := spool.NewWatcherWithOptions(cfg.Update.InboxDir, cfg.Update.StabilityWait, spool.WatcherOptions{
			ArchiveDir: cfg.Update.ArchiveDir,
		})
		if err != nil {
			return fmt.Errorf("failed to watch inbox: %w", err)
		}
		defer w.Close()
		inbox = w
	}

	g, ctx := errgroup.WithContext(ctx)

	slog.Info("listening", "addr", cfg.Server.Listen, "tls", cfg.Server.TLSCert != "", "admin", cfg.Server.AdminListen)
	listen(ctx, g, httpServer, cfg.Server.TLSCert, cfg.Server.TLSKey)
	listen(ctx, g, adminServer, "", "")

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Server.SessionTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := sessions.Sweep(); n > 0 {
					slog.Debug("expired sessions removed", "count", n)
				}
				m.Sessions(sessions.Len())
			}
		}
	})

	if inbox != nil {
		g.Go(func() error { return orch.WatchInbox(ctx, inbox) })
	}

	if svc.schedule {
		g.Go(func() error { return orch.Schedule(ctx, cfg.Update.Interval) })
	}

	if svc.sweep {
		sweeper := newSweeper(cfg, db, m)
		g.Go(func() error { return sweeper.Run(ctx, cfg.Sensor.CheckInterval) })
	}

	err := g.Wait()
	slog.Info("shutting down")
	return err
}
