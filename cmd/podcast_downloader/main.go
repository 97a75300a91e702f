package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/podcast_downloader/internal/cleanup"
	"github.com/italolelis/podcast_downloader/internal/config"
	"github.com/italolelis/podcast_downloader/internal/download"
	"github.com/italolelis/podcast_downloader/internal/http/rest"
	"github.com/italolelis/podcast_downloader/internal/logctx"
	"github.com/italolelis/podcast_downloader/internal/network"
	"github.com/italolelis/podcast_downloader/internal/notifier"
	"github.com/italolelis/podcast_downloader/internal/state"
	"github.com/italolelis/podcast_downloader/internal/storage/sqlite"
	"github.com/italolelis/podcast_downloader/internal/tagger"
	"github.com/italolelis/podcast_downloader/internal/telemetry"
	"github.com/italolelis/podcast_downloader/internal/transfer"
	"github.com/italolelis/podcast_downloader/internal/transfer/background"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "podcast_downloader",
		Usage:   "download podcast episodes in the background",
		Version: version,
		Action:  withServices(false, serve),
		Commands: []*cli.Command{{
			Name:   "serve",
			Usage:  "run the downloader and its HTTP API",
			Action: withServices(false, serve),
		}, {
			Name:  "tasks",
			Usage: "print the downloads that survived the previous run without resuming them",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "json",
					Usage: "print the snapshots as JSON",
				},
			},
			Action: withServices(true, printTasks),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// services is everything a command needs, built from the environment.
type services struct {
	cfg          *config.Config
	tel          *telemetry.Telemetry
	db           *sql.DB
	engine       *background.Engine
	tasks        transfer.Engine
	episodes     *sqlite.InstrumentedEpisodeRepository
	orchestrator *download.Orchestrator
	state        *state.Store
	notifier     *notifier.Publisher
}

// withServices builds the services for a command. Read-only commands never
// resume transfers, send notifications or export telemetry.
func withServices(readOnly bool, fn func(ctx context.Context, svc *services, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		logger := slog.New(logctx.NewTraceHandler(
			slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
		))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx = logctx.WithLogger(ctx, logger)

		svc, err := setupServices(ctx, cfg, readOnly)
		if err != nil {
			return err
		}
		defer svc.close(ctx)

		return fn(ctx, svc, c)
	}
}

func setupServices(ctx context.Context, cfg *config.Config, readOnly bool) (_ *services, err error) {
	logger := logctx.LoggerFromContext(ctx)

	svc := &services{cfg: cfg}

	defer func() {
		if err != nil {
			svc.close(ctx)
		}
	}()

	// =========================================================================
	// Start Telemetry
	svc.tel, err = telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled && !readOnly,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	svc.db, err = sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return nil, err
	}

	svc.episodes = sqlite.NewInstrumentedEpisodeRepository(svc.db, svc.tel)

	// =========================================================================
	// Start Transfer Engine
	svc.engine, err = background.New(ctx, sqlite.NewInstrumentedTaskRepository(svc.db, svc.tel), background.Options{
		MaxConcurrent:    cfg.MaxConcurrent,
		StallTimeout:     cfg.StallTimeout,
		ProgressInterval: cfg.ProgressInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start transfer engine: %w", err)
	}

	svc.tasks = transfer.NewInstrumentedEngine(svc.engine, svc.tel, "background")

	// =========================================================================
	// Start Publishers
	svc.state = state.New()
	publishers := download.Fanout{svc.state}

	if cfg.DiscordWebhookURL != "" && !readOnly {
		svc.notifier = notifier.NewPublisher(&notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 10 * time.Second},
		})
		publishers = append(publishers, svc.notifier)
	}

	var tags download.Tagger
	if cfg.TagEpisodes {
		tags = tagger.New()
	}

	// =========================================================================
	// Start Orchestrator
	svc.orchestrator = download.NewOrchestrator(
		svc.tasks,
		svc.episodes,
		publishers,
		buildGate(cfg, readOnly),
		download.NewRegistry(),
		download.Options{
			DownloadDir: cfg.DownloadDir,
			ErrorPolicy: download.ErrorPolicy(strings.ToLower(cfg.ErrorPolicy)),
			Telemetry:   svc.tel,
			Tagger:      tags,
		},
	)

	return svc, nil
}

// buildGate returns the network gate. Read-only commands get a gate that never
// allows downloads so reconciliation does not resume anything.
func buildGate(cfg *config.Config, readOnly bool) download.NetworkGate {
	preference := network.Preference(strings.ToLower(cfg.DownloadNetwork))

	var detector network.Detector = network.NewLinuxDetector()

	switch {
	case readOnly:
		detector = network.Static(network.ConnectionNone)
	case cfg.ConnectionType != "":
		detector = network.Static(network.ParseConnectionType(cfg.ConnectionType))
	}

	return network.NewGate(preference, detector)
}

func (s *services) close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			logger.Error("failed to close transfer engine", "err", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Error("failed to close database", "err", err)
		}
	}

	if s.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := s.tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}
}

func serve(ctx context.Context, svc *services, _ *cli.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	cfg := svc.cfg

	logger.Info("podcast downloader starting...",
		"version", version,
		"log_level", cfg.LogLevel,
		"download_dir", cfg.DownloadDir,
		"download_network", cfg.DownloadNetwork,
		"error_policy", cfg.ErrorPolicy,
	)

	// =========================================================================
	// Reconcile surviving transfers before accepting commands
	snapshots, err := svc.orchestrator.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile downloads: %w", err)
	}

	svc.state.Hydrate(snapshots)

	g, ctx := errgroup.WithContext(ctx)

	// The event loop outlives ctx until the engine is closed, so completions
	// reported during shutdown still reach the stores.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	g.Go(func() error {
		return svc.orchestrator.Run(runCtx)
	})

	g.Go(func() error {
		<-ctx.Done()

		if err := svc.engine.Close(); err != nil {
			logger.Error("failed to close transfer engine", "err", err)
		}

		stopRun()

		return nil
	})

	if svc.notifier != nil {
		g.Go(func() error {
			return svc.notifier.Run(ctx)
		})
	}

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(ctx, svc)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, svc)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, svc *services) *http.Server {
	cfg := svc.cfg

	handler := rest.NewDownloadsHandler(svc.orchestrator, svc.state, svc.episodes, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(svc.tel).Middleware)

	r.Handle("/metrics", svc.tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, svc *services) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(svc.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			infos, err := svc.tasks.ExistingTasks(ctx)
			if err != nil {
				logger.Error("failed to list transfers for cleanup", "err", err)

				continue
			}

			live := make([]string, 0, len(infos))
			for _, info := range infos {
				live = append(live, info.Destination)
			}

			removed, err := cleanup.DeleteOrphanPartials(ctx, svc.cfg.DownloadDir, background.PartSuffix, live, svc.cfg.KeepPartialFor)
			if err != nil {
				logger.Error("failed to delete orphan partial files", "err", err)
			}

			if removed > 0 {
				logger.Info("cleanup finished", "removed", removed)
			}
		}
	}
}

func printTasks(ctx context.Context, svc *services, c *cli.Context) error {
	snapshots, err := svc.orchestrator.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile downloads: %w", err)
	}

	out := c.App.Writer

	if c.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(snapshots)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EPISODE\tPODCAST\tSTATUS\tPROGRESS\tWRITTEN\tTOTAL")

	for _, s := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			s.EpisodeTitle, s.PodcastTitle, s.Status, s.Percent*100, s.BytesWritten, s.BytesTotal)
	}

	return w.Flush()
}
