package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/balakunbot/balakun/pkg/config"
	"github.com/balakunbot/balakun/pkg/convo"
	"github.com/balakunbot/balakun/pkg/db"
	"github.com/balakunbot/balakun/pkg/facts"
	"github.com/balakunbot/balakun/pkg/gemini"
	"github.com/balakunbot/balakun/pkg/handler"
	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
	"github.com/balakunbot/balakun/pkg/monitor"
	"github.com/balakunbot/balakun/pkg/persona"
	"github.com/balakunbot/balakun/pkg/store"
	"github.com/balakunbot/balakun/pkg/telegram"
	"github.com/balakunbot/balakun/pkg/telemetry"
	"github.com/balakunbot/balakun/pkg/throttle"
	"github.com/balakunbot/balakun/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot against Telegram long polling",
	Long: `Connect to Telegram, apply any pending database migrations, and answer
addressed group-chat messages until interrupted. All configuration comes
from the config file, environment variables (BALAKUN_*), or flags.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd.Context()); err != nil {
			fail(err)
		}
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.G(ctx)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "balakun",
		ServiceVersion: version.Get().Version,
		SamplerType:    cfg.Tracing.SamplerType,
		SamplerRatio:   cfg.Tracing.SamplerRatio,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.G(shutdownCtx).WithError(err).Warn("failed to shutdown tracer")
		}
	}()

	database, err := db.OpenAndMigrate(ctx, dbPath())
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()
	st := store.New(database)

	m := metrics.New(metrics.DefaultConfig())

	optimizer := monitor.NewOptimizer(m)
	mon, err := monitor.New(optimizer, m, cfg.MonitorInterval)
	if err != nil {
		return errors.Wrap(err, "failed to initialize resource monitor")
	}

	tm := throttle.New(st, throttle.Config{
		PerUserPerHour: cfg.Throttle.PerUserPerHour,
		PerChatPerHour: cfg.Throttle.PerChatPerHour,
		Metrics:        m,
	})
	tm.Start(ctx)
	defer tm.Wait()

	client, err := gemini.New(ctx, gemini.Config{
		APIKey:                cfg.GeminiAPIKey,
		Model:                 cfg.Model,
		EmbedModel:            cfg.EmbedModel,
		GenerateTimeout:       cfg.GenerateTimeout,
		EmbedConcurrency:      cfg.EmbedConcurrency,
		EnableSearchGrounding: cfg.EnableSearchGrounding,
		Metrics:               m,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create generation client")
	}

	// Fact extraction runs off the reply path. The model backend is the
	// local endpoint when one is configured, the main Gemini client
	// otherwise; either way the optimizer can pull the plug under load.
	var extractor facts.Extractor
	var gate func() bool
	if cfg.LocalModel.Endpoint != "" {
		extractor = facts.NewLocalExtractor(cfg.LocalModel.Endpoint, cfg.LocalModel.Name)
		gate = func() bool { return !optimizer.ShouldDisableLocalModel() }
	} else {
		extractor = facts.NewGeminiExtractor(client)
		gate = func() bool { return !optimizer.ShouldSuppressModelExtraction() }
	}
	hybrid := facts.NewHybrid(extractor, cfg.MinFactConfidence, m).WithModelGate(gate)
	pool := facts.NewPool(st, hybrid, facts.PoolConfig{
		Workers:   cfg.ExtractWorkers,
		QueueSize: cfg.ExtractQueue,
		Metrics:   m,
	})
	pool.Start(ctx)
	defer pool.Wait()

	p, err := persona.Load(cfg.PersonaPath, cfg.PromptPath, cfg.TemplatesPath)
	if err != nil {
		return errors.Wrap(err, "failed to load persona")
	}

	bot, err := telegram.Connect(cfg.TelegramToken)
	if err != nil {
		return errors.Wrap(err, "failed to connect to telegram")
	}
	sender := telegram.NewSender(bot, telegram.SenderConfig{})

	h := handler.New(st, convo.NewRecall(st), client, tm, p, sender, handler.Config{
		BotUsername:       bot.Self.UserName,
		AdminIDs:          cfg.AdminUserIDs,
		MaxTurns:          cfg.MaxTurns,
		RecallLimit:       cfg.RecallLimit,
		RetentionDays:     cfg.RetentionDays,
		MinFactConfidence: cfg.MinFactConfidence,
		Metrics:           m,
	}).WithFactPool(pool).WithOptimizer(optimizer)
	defer h.Wait()

	runner := telegram.NewRunner(bot, h, telegram.RunnerConfig{})
	janitor := handler.NewJanitor(st, h.Cache(), tm, handler.DefaultSweepInterval, m)

	log.WithFields(map[string]interface{}{
		"bot":   bot.Self.UserName,
		"model": client.Model(),
	}).Info("balakun is up")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return p.Watch(gctx) })
	g.Go(func() error { mon.Run(gctx); return nil })
	g.Go(func() error { janitor.Run(gctx); return nil })

	if cfg.MetricsAddr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
		router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}).Methods(http.MethodGet)

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: router}
		g.Go(func() error {
			log.WithField("addr", cfg.MetricsAddr).Info("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server failed")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutting down, draining in-flight work")
	return nil
}
