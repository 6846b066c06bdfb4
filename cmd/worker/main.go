package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/dispatch"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/infra/credentials"
	"server/internal/providers/image"
	"server/internal/queue"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	keys := credentials.NewStore(runner)
	ledger := repo.NewLedger(runner)
	generations := repo.NewGenerationRepository(runner)
	jobQueue := queue.New(runner, queue.Options{
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: cfg.JobBackoffBase,
		Lease:       cfg.JobLease,
	}, logger)

	fileStore, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	router := image.NewRouter(initBackends(ctx, cfg, keys), fileStore, cfg.ProviderTimeout, logger)

	dispatcher := dispatch.New(jobQueue, generations, ledger, router, dispatch.Options{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.JobPollInterval,
	}, logger)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// initBackends builds one backend per supported provider. API keys stored in
// the database take precedence over the environment so they can be rotated
// without a redeploy.
func initBackends(ctx context.Context, cfg *infra.Config, keys *credentials.Store) []image.Backend {
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout + 30*time.Second}

	fluxClient := image.NewFluxClient(image.FluxOptions{
		APIKey:     keys.Resolve(ctx, domain.ProviderFluxDev, cfg.FluxAPIKey),
		BaseURL:    cfg.FluxBaseURL,
		HTTPClient: httpClient,
	})

	return []image.Backend{
		image.NewOpenAI(image.OpenAIOptions{
			APIKey:     keys.Resolve(ctx, domain.ProviderOpenAI, cfg.OpenAIAPIKey),
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			HTTPClient: httpClient,
		}),
		image.NewFlux(fluxClient, domain.ProviderFluxDev, "flux-dev"),
		image.NewFlux(fluxClient, domain.ProviderFluxPro, "flux-pro-1.1"),
		image.NewFlux(fluxClient, domain.ProviderFluxSchnell, "flux-schnell"),
		image.NewFlux(fluxClient, domain.ProviderFluxKontext, "flux-kontext-pro"),
		image.NewNanoBanana(image.NanoBananaOptions{
			APIKey:     keys.Resolve(ctx, domain.ProviderNanoBanana, cfg.NanoBananaAPIKey),
			BaseURL:    cfg.NanoBananaURL,
			HTTPClient: httpClient,
		}),
		image.NewSeedream(image.SeedreamOptions{
			APIKey:     keys.Resolve(ctx, domain.ProviderSeedream, cfg.SeedreamAPIKey),
			BaseURL:    cfg.SeedreamBaseURL,
			HTTPClient: httpClient,
		}),
		image.NewStableDiffusion(image.StableDiffusionOptions{
			APIKey:     keys.Resolve(ctx, domain.ProviderStableDiffusion, cfg.StabilityAPIKey),
			BaseURL:    cfg.StabilityBaseURL,
			HTTPClient: httpClient,
		}),
	}
}
