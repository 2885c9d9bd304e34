package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"reelpipe/internal/bus"
	"reelpipe/internal/config"
	"reelpipe/internal/engine"
	"reelpipe/internal/httpapi"
	"reelpipe/internal/logging"
	"reelpipe/internal/pipeline"
	"reelpipe/internal/services/email"
	"reelpipe/internal/services/speech"
	"reelpipe/internal/services/videohost"
	"reelpipe/internal/store"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow workers and HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	idem := st.idem
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		idem = store.NewRedisIdempotencyStore(client, "reelpipe:")
		logger.Info("redis idempotency store enabled", slog.String("addr", cfg.Redis.Addr))
	}

	host := videohost.NewHTTPService(cfg.VideoHost.BaseURL, cfg.VideoHost.Token, nil)
	sp := speech.NewHTTPService(cfg.Speech.BaseURL, cfg.Speech.APIKey, nil)
	mail := email.NewSender(cfg.Email.Endpoint, cfg.Email.Token, cfg.Email.From, nil, logger)

	b := bus.New(st.queue, logger)
	metrics := &engine.BasicMetrics{}
	observer := engine.NewCompositeObserver(
		engine.NewLoggingObserver(logger),
		metrics,
		&pipeline.FailureNotifier{Sender: mail, Operator: cfg.Email.Operator, Logger: logger},
	)
	eng := engine.New(engine.Config{
		Runs:        st.runs,
		Steps:       st.steps,
		Idempotency: idem,
		Queue:       st.queue,
		Bus:         b,
		Observer:    observer,
		Logger:      logger,
	})

	p := pipeline.New(pipeline.Config{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		HostBaseURL:   cfg.VideoHost.BaseURL,
		PollCooldown:  time.Duration(cfg.Pipeline.PollCooldownSeconds) * time.Second,
		PollLimit:     cfg.Pipeline.PollLimit,
		OperatorEmail: cfg.Email.Operator,
		Retry: engine.RetryPolicy{
			MaxAttempts:       cfg.Pipeline.MaxAttempts,
			InitialBackoff:    time.Duration(cfg.Pipeline.RetryInitialSeconds) * time.Second,
			BackoffMultiplier: 2.0,
			MaxBackoff:        time.Duration(cfg.Pipeline.RetryMaxSeconds) * time.Second,
		},
	}, st.res, host, sp, mail, logger)
	if err := p.Register(eng); err != nil {
		return err
	}

	recovered, err := eng.RecoverStuckRuns(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("stuck runs re-enqueued", slog.Int("count", recovered))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := engine.NewRunner(eng, logger)
	if err := runner.Start(ctx, cfg.Pipeline.Workers); err != nil {
		return err
	}
	defer runner.Stop()

	api := httpapi.New(b, eng, st.runs, st.res, logger)
	srv := httpapi.NewHTTPServer(cfg.Server.Bind, api)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("bind", cfg.Server.Bind))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.Any("error", err))
	}
	return nil
}
