package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/rxledger/internal/config"
	"github.com/ehr/rxledger/internal/domain/prescription"
	"github.com/ehr/rxledger/internal/platform/db"
	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/middleware"
	"github.com/ehr/rxledger/internal/platform/retry"
)

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// journalHandle is an opened verification journal. pool is set only for the
// postgres driver.
type journalHandle struct {
	journal prescription.Journal
	pool    *pgxpool.Pool
	close   func()
}

func openJournal(ctx context.Context, cfg *config.Config) (*journalHandle, error) {
	switch cfg.JournalDriver {
	case config.JournalPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		return &journalHandle{journal: prescription.NewJournalPG(pool), pool: pool, close: pool.Close}, nil
	case config.JournalLevelDB:
		j, err := prescription.OpenJournalLevelDB(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		return &journalHandle{journal: j, close: func() { j.Close() }}, nil
	case config.JournalMemory:
		return &journalHandle{journal: prescription.NewMemoryJournal(0), close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown journal driver %q", cfg.JournalDriver)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func newGatewayClient(cfg *config.Config, logger zerolog.Logger, opts ...gateway.Option) (*gateway.Client, error) {
	return gateway.NewClient(gateway.Config{
		BaseURL:       cfg.GatewayURL,
		ChannelID:     cfg.GatewayChannelID,
		ChaincodeID:   cfg.GatewayChaincodeID,
		InvokeTimeout: cfg.GatewayInvokeTimeout,
		QueryTimeout:  cfg.GatewayQueryTimeout,
		MaxBodyBytes:  cfg.GatewayMaxBodyBytes,
	}, append([]gateway.Option{gateway.WithLogger(logger)}, opts...)...)
}

func serviceConfig(cfg *config.Config) prescription.Config {
	return prescription.Config{
		Retry: retry.Policy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		Verify: retry.Policy{
			Attempts:  cfg.VerifyAttempts,
			BaseDelay: cfg.VerifyBaseDelay,
			MaxDelay:  cfg.VerifyMaxDelay,
		},
		VerifyTimeout: cfg.VerifyTimeout,
		Validity:      cfg.PrescriptionValidity,
	}
}

// rateLimitConfig applies the configured read limits. Writes keep the
// default, tighter, bucket unless reads are configured below it.
func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	if rl.WriteRequestsPerSecond > rl.RequestsPerSecond {
		rl.WriteRequestsPerSecond = rl.RequestsPerSecond
	}
	if rl.WriteBurstSize > rl.BurstSize {
		rl.WriteBurstSize = rl.BurstSize
	}
	return rl
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
