package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// Migration represents a database migration
type Migration struct {
	Version     string `db:"version"`
	Description string `db:"description"`
	SQL         string `db:"sql"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create users and nfts tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					address TEXT NOT NULL,
					total_nfts_created INTEGER NOT NULL DEFAULT 0,
					total_nfts_owned INTEGER NOT NULL DEFAULT 0,
					total_transactions INTEGER NOT NULL DEFAULT 0,
					first_transaction_at INTEGER NOT NULL DEFAULT 0,
					last_transaction_at INTEGER NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS nfts (
					id TEXT PRIMARY KEY,
					token_id TEXT NOT NULL,
					creator TEXT NOT NULL,
					owner TEXT NOT NULL,
					token_uri TEXT NOT NULL,
					price TEXT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL,
					image TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_nfts_owner ON nfts(owner);
				CREATE INDEX IF NOT EXISTS idx_nfts_creator ON nfts(creator);
				CREATE INDEX IF NOT EXISTS idx_nfts_created_at ON nfts(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create transactions and transfers tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					type TEXT NOT NULL,
					nft TEXT NOT NULL,
					user_id TEXT NOT NULL,
					from_user TEXT,
					to_user TEXT,
					price TEXT,
					gas_used TEXT NOT NULL,
					gas_price TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					block_timestamp INTEGER NOT NULL,
					transaction_hash TEXT NOT NULL,
					log_index INTEGER NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
				CREATE INDEX IF NOT EXISTS idx_transactions_hash ON transactions(transaction_hash);
				CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(block_timestamp);

				CREATE TABLE IF NOT EXISTS transfers (
					id TEXT PRIMARY KEY,
					nft TEXT NOT NULL,
					from_user TEXT NOT NULL,
					to_user TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					block_timestamp INTEGER NOT NULL,
					transaction_hash TEXT NOT NULL,
					gas_used TEXT NOT NULL,
					log_index INTEGER NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_transfers_nft ON transfers(nft);
			`,
		},
		{
			Version:     "003",
			Description: "Create global stats, processed events and system state tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS global_stats (
					id TEXT PRIMARY KEY,
					total_nfts INTEGER NOT NULL DEFAULT 0,
					total_users INTEGER NOT NULL DEFAULT 0,
					total_transactions INTEGER NOT NULL DEFAULT 0,
					total_volume TEXT NOT NULL DEFAULT '0',
					last_updated INTEGER NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS processed_events (
					block_number INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					event_name TEXT NOT NULL,
					transaction_hash TEXT NOT NULL,
					processed_at INTEGER NOT NULL,
					PRIMARY KEY (block_number, log_index)
				);

				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at INTEGER NOT NULL DEFAULT 0
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create users and nfts tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id VARCHAR(42) PRIMARY KEY,
					address VARCHAR(42) NOT NULL,
					total_nfts_created BIGINT NOT NULL DEFAULT 0,
					total_nfts_owned BIGINT NOT NULL DEFAULT 0,
					total_transactions BIGINT NOT NULL DEFAULT 0,
					first_transaction_at BIGINT NOT NULL DEFAULT 0,
					last_transaction_at BIGINT NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS nfts (
					id VARCHAR(78) PRIMARY KEY,
					token_id NUMERIC(78, 0) NOT NULL,
					creator VARCHAR(42) NOT NULL,
					owner VARCHAR(42) NOT NULL,
					token_uri TEXT NOT NULL,
					price NUMERIC(78, 0) NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL,
					image TEXT NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_nfts_owner ON nfts(owner);
				CREATE INDEX IF NOT EXISTS idx_nfts_creator ON nfts(creator);
				CREATE INDEX IF NOT EXISTS idx_nfts_created_at ON nfts(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create transactions and transfers tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS transactions (
					id VARCHAR(100) PRIMARY KEY,
					type VARCHAR(20) NOT NULL,
					nft VARCHAR(78) NOT NULL,
					user_id VARCHAR(42) NOT NULL,
					from_user VARCHAR(42),
					to_user VARCHAR(42),
					price NUMERIC(78, 0),
					gas_used NUMERIC(78, 0) NOT NULL,
					gas_price NUMERIC(78, 0) NOT NULL,
					block_number BIGINT NOT NULL,
					block_timestamp BIGINT NOT NULL,
					transaction_hash VARCHAR(66) NOT NULL,
					log_index BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
				CREATE INDEX IF NOT EXISTS idx_transactions_hash ON transactions(transaction_hash);
				CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(block_timestamp);

				CREATE TABLE IF NOT EXISTS transfers (
					id VARCHAR(100) PRIMARY KEY,
					nft VARCHAR(78) NOT NULL,
					from_user VARCHAR(42) NOT NULL,
					to_user VARCHAR(42) NOT NULL,
					block_number BIGINT NOT NULL,
					block_timestamp BIGINT NOT NULL,
					transaction_hash VARCHAR(66) NOT NULL,
					gas_used NUMERIC(78, 0) NOT NULL,
					log_index BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_transfers_nft ON transfers(nft);
			`,
		},
		{
			Version:     "003",
			Description: "Create global stats, processed events and system state tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS global_stats (
					id VARCHAR(20) PRIMARY KEY,
					total_nfts BIGINT NOT NULL DEFAULT 0,
					total_users BIGINT NOT NULL DEFAULT 0,
					total_transactions BIGINT NOT NULL DEFAULT 0,
					total_volume NUMERIC(78, 0) NOT NULL DEFAULT 0,
					last_updated BIGINT NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS processed_events (
					block_number BIGINT NOT NULL,
					log_index BIGINT NOT NULL,
					event_name VARCHAR(50) NOT NULL,
					transaction_hash VARCHAR(66) NOT NULL,
					processed_at BIGINT NOT NULL,
					PRIMARY KEY (block_number, log_index)
				);

				CREATE TABLE IF NOT EXISTS system_state (
					key VARCHAR(100) PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at BIGINT NOT NULL DEFAULT 0
				);
			`,
		},
	}
}

// applyMigrations runs every migration not yet recorded in schema_migrations.
// Each migration commits together with its bookkeeping row.
func applyMigrations(ctx context.Context, db *sql.DB, d dialect, migrations []*Migration, logger *logrus.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(20) PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)`); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin migration", err.Error())
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
		if _, err := tx.ExecContext(ctx,
			d.rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`),
			migration.Version, migration.Description, time.Now().Unix()); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Failed to record migration %s", migration.Version),
				err.Error())
		}
		if err := tx.Commit(); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Failed to commit migration %s", migration.Version),
				err.Error())
		}
	}

	return nil
}
