// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
)

// EntityReader loads single entities by ID. An absent entity is (nil, nil).
type EntityReader interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetNFT(ctx context.Context, id string) (*models.NFT, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	GetGlobalStats(ctx context.Context) (*models.GlobalStats, error)
}

// EntityStore is the keyed load/save surface the event handlers work against.
// Save replaces the whole record.
type EntityStore interface {
	EntityReader

	SaveUser(ctx context.Context, user *models.User) error
	SaveNFT(ctx context.Context, nft *models.NFT) error
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	SaveTransfer(ctx context.Context, transfer *models.Transfer) error
	SaveGlobalStats(ctx context.Context, stats *models.GlobalStats) error
}

// Tx is an EntityStore bound to one database transaction, plus the
// bookkeeping that must commit together with the entities.
type Tx interface {
	EntityStore

	IsEventProcessed(ctx context.Context, key models.EventKey) (bool, error)
	MarkEventProcessed(ctx context.Context, key models.EventKey, kind models.EventKind, txHash string) error
}

// QueryStore serves the read API
type QueryStore interface {
	EntityReader

	ListNFTs(ctx context.Context, filter models.NFTFilter) ([]*models.NFT, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error)
	ListTransfers(ctx context.Context, filter models.TransferFilter) ([]*models.Transfer, error)
}

// Storage defines the interface for the entity database
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// WithTx runs fn inside a database transaction. The transaction commits
	// only when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	QueryStore

	// Block tracking operations. ok is false until a block has been recorded.
	GetLatestProcessedBlock(ctx context.Context) (block uint64, ok bool, err error)
	SetLatestProcessedBlock(ctx context.Context, blockNumber uint64) error

	// Statistics and monitoring
	GetStorageStats(ctx context.Context) (*StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	Type                 string `json:"type"`
	TotalUsers           int64  `json:"total_users"`
	TotalNFTs            int64  `json:"total_nfts"`
	TotalTransactions    int64  `json:"total_transactions"`
	TotalTransfers       int64  `json:"total_transfers"`
	TotalProcessedEvents int64  `json:"total_processed_events"`
	LatestBlock          uint64 `json:"latest_processed_block"`
	HasLatestBlock       bool   `json:"has_latest_processed_block"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
