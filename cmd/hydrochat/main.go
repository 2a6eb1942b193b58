// Command hydrochat runs the conversational dispatcher over the
// patient-records backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"hydrochat/internal/backend"
	"hydrochat/internal/config"
	"hydrochat/internal/converse"
	"hydrochat/internal/graph"
	"hydrochat/internal/intent"
	"hydrochat/internal/llm"
	"hydrochat/internal/logging"
	"hydrochat/internal/masking"
	"hydrochat/internal/metrics"
	"hydrochat/internal/namecache"
	"hydrochat/internal/server"
	"hydrochat/internal/session"
	"hydrochat/internal/session/sqlitestore"
)

func main() {
	root := &cobra.Command{
		Use:           "hydrochat",
		Short:         "Conversational dispatcher for patient records and scans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A .env file is a local convenience; absence is fine.
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	masker := masking.New(cfg.MaskPII)
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, masker)
	logger.Info("starting hydrochat", "config", cfg.Redacted())

	m := metrics.MustNew(prometheus.DefaultRegisterer, metrics.Config{
		MaxSamples: cfg.MetricsMaxSamples,
		SampleTTL:  cfg.MetricsTTL,
	})

	client := backend.New(cfg.BackendBaseURL, cfg.BackendBearerToken, logger, m)
	cache := namecache.New(client, cfg.NameCacheTTL, logger)

	var adapter llm.Adapter
	if cfg.LLMAdapter == config.AdapterOpenAI {
		adapter = llm.NewOpenAIAdapter(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger, m)
	}
	classifier := intent.New(adapter, logger)

	var store session.Store
	switch cfg.SessionStore {
	case config.StoreSQLite:
		sqlite, err := sqlitestore.New(cfg.SessionPath, cfg.SessionTTL, cfg.SessionMax)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
	default:
		store = session.NewMemoryStore(cfg.SessionTTL, cfg.SessionMax)
	}

	service := converse.New(store, graph.Deps{
		Backend:    client,
		Cache:      cache,
		Classifier: classifier,
		Adapter:    adapter,
		Metrics:    m,
		Logger:     logger,
		Masker:     masker,
	}, logger, cfg.TurnDeadline)

	srv := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		APIToken:   cfg.APIToken,
	}, service, m, store, cache, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
