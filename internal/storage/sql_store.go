package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore holds the behaviour shared by the SQLite and PostgreSQL backends.
// The backends differ only in how they open the pool and which migrations run.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *logrus.Logger
}

func (s *sqlStore) repo(q queryer) *entityRepo {
	return &entityRepo{q: q, dialect: s.dialect}
}

func (s *sqlStore) connected() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if err := s.connected(); err != nil {
		return err
	}
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.WithField("dialect", s.dialect.String()).Info("Database connection closed")
		return err
	}
	return nil
}

// WithTx runs fn in a transaction and commits only if fn succeeds.
func (s *sqlStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := s.connected(); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.WithError(rbErr).Warn("Rollback failed")
			}
		}
	}()

	if err := fn(s.repo(sqlTx)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err.Error())
	}
	committed = true
	return nil
}

// GetUser loads a user outside any transaction
func (s *sqlStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).GetUser(ctx, id)
}

// GetNFT loads an NFT outside any transaction
func (s *sqlStore) GetNFT(ctx context.Context, id string) (*models.NFT, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).GetNFT(ctx, id)
}

// GetTransaction loads a transaction outside any transaction
func (s *sqlStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).GetTransaction(ctx, id)
}

// GetTransfer loads a transfer outside any transaction
func (s *sqlStore) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).GetTransfer(ctx, id)
}

// GetGlobalStats loads the statistics singleton outside any transaction
func (s *sqlStore) GetGlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).GetGlobalStats(ctx)
}

// ListNFTs lists NFTs ordered by creation time
func (s *sqlStore) ListNFTs(ctx context.Context, filter models.NFTFilter) ([]*models.NFT, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).ListNFTs(ctx, filter)
}

// ListTransactions lists transactions newest first
func (s *sqlStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).ListTransactions(ctx, filter)
}

// ListTransfers lists transfers newest first
func (s *sqlStore) ListTransfers(ctx context.Context, filter models.TransferFilter) ([]*models.Transfer, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	return s.repo(s.db).ListTransfers(ctx, filter)
}

const latestBlockKey = "latest_processed_block"

// GetLatestProcessedBlock returns the persisted block cursor
func (s *sqlStore) GetLatestProcessedBlock(ctx context.Context) (uint64, bool, error) {
	if err := s.connected(); err != nil {
		return 0, false, err
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT value FROM system_state WHERE key = ?`), latestBlockKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get latest processed block", err.Error())
	}

	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt latest processed block", value)
	}
	return block, true, nil
}

// SetLatestProcessedBlock persists the block cursor
func (s *sqlStore) SetLatestProcessedBlock(ctx context.Context, blockNumber uint64) error {
	if err := s.connected(); err != nil {
		return err
	}

	query := s.dialect.rebind(`
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query, latestBlockKey,
		strconv.FormatUint(blockNumber, 10), time.Now().Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set latest processed block", err.Error())
	}
	return nil
}

// GetStorageStats counts the rows in every entity table
func (s *sqlStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}

	stats := &StorageStats{Type: s.dialect.String()}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"users", &stats.TotalUsers},
		{"nfts", &stats.TotalNFTs},
		{"transactions", &stats.TotalTransactions},
		{"transfers", &stats.TotalTransfers},
		{"processed_events", &stats.TotalProcessedEvents},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table)).Scan(c.dst); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count "+c.table, err.Error())
		}
	}

	block, ok, err := s.GetLatestProcessedBlock(ctx)
	if err != nil {
		return nil, err
	}
	stats.LatestBlock, stats.HasLatestBlock = block, ok
	return stats, nil
}

var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Storage = (*PostgreSQLStorage)(nil)
)
