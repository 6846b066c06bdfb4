// Command providerkey stores or rotates a provider API key in the database.
//
//	go run ./cmd/providerkey -provider FLUX_DEV -key <api key>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/infra/credentials"
)

func main() {
	provider := flag.String("provider", "", "provider name (OPENAI, FLUX_DEV, ...)")
	key := flag.String("key", "", "api key to store")
	flag.Parse()

	if *provider == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "usage: providerkey -provider <name> -key <api key>")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "providerkey: %v\n", err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("providerkey: db connection failed")
	}
	defer pool.Close()

	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))
	if err := store.SetAPIKey(ctx, domain.Provider(*provider), *key); err != nil {
		logger.Fatal().Err(err).Str("provider", *provider).Msg("providerkey: store key failed")
	}
	logger.Info().Str("provider", *provider).Msg("providerkey: key stored")
}
