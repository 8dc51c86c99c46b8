package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	mongoclient "go.relaykit.dev/internal/common/mongo"
	"go.relaykit.dev/internal/config"
)

// Open connects to the configured backend and returns a ready Store.
// The caller owns the returned store and must Close it.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	storeCfg := &Config{
		OutboxTable: cfg.OutboxTable,
		InboxTable:  cfg.InboxTable,
		MaxRetries:  cfg.MaxRetries,
	}
	if storeCfg.OutboxTable == "" || storeCfg.InboxTable == "" || storeCfg.MaxRetries <= 0 {
		defaults := DefaultConfig()
		if storeCfg.OutboxTable == "" {
			storeCfg.OutboxTable = defaults.OutboxTable
		}
		if storeCfg.InboxTable == "" {
			storeCfg.InboxTable = defaults.InboxTable
		}
		if storeCfg.MaxRetries <= 0 {
			storeCfg.MaxRetries = defaults.MaxRetries
		}
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := openSQL(ctx, "postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db, storeCfg), nil

	case config.DriverMySQL:
		db, err := openSQL(ctx, "mysql", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewMySQLStore(db, storeCfg), nil

	case config.DriverMongo:
		client, err := mongoclient.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		return NewMongoStore(client.Raw(), cfg.MongoDatabase, storeCfg), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	return db, nil
}
