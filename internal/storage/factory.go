package storage

import (
	"context"

	"github.com/rs/zerolog"
)

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case ModeSQLite:
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case ModePostgres:
		return NewPostgresStore(ctx, cfg.PostgresURL, logger)
	case ModeDynamo:
		return NewDynamoDBStore(ctx, cfg.Dynamo, logger)
	default:
		logger.Info().Msg("using in-memory store (STORE_MODE=memory)")
		return NewMemoryStore(), nil
	}
}
