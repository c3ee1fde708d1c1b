package storage

import (
	"strconv"
	"strings"
	"time"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// Pool sizes used when the configuration leaves max_connections unset.
// SQLite serializes writers, so a single connection avoids SQLITE_BUSY churn.
const (
	DefaultSQLiteMaxConnections   = 1
	DefaultPostgresMaxConnections = 25
	DefaultPostgresMaxIdleTime    = 5 * time.Minute
)

var supportedTypes = []string{"sqlite", "postgres", "postgresql"}

// NewStorage validates cfg, fills in pool defaults for the selected backend
// and returns an unconnected store.
func NewStorage(cfg *config.StorageConfig) (Storage, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return nil, err
	}

	kind := strings.ToLower(cfg.Type)
	storageConfig := &StorageConfig{
		Type:             kind,
		ConnectionString: cfg.ConnectionString,
		MaxConnections:   cfg.MaxConnections,
		MaxIdleTime:      cfg.MaxIdleTime,
	}

	switch kind {
	case "sqlite":
		if storageConfig.MaxConnections == 0 {
			storageConfig.MaxConnections = DefaultSQLiteMaxConnections
		}
		return NewSQLiteStorage(storageConfig), nil
	default:
		if storageConfig.MaxConnections == 0 {
			storageConfig.MaxConnections = DefaultPostgresMaxConnections
		}
		if storageConfig.MaxIdleTime == 0 {
			storageConfig.MaxIdleTime = DefaultPostgresMaxIdleTime
		}
		return NewPostgreSQLStorage(storageConfig), nil
	}
}

// ValidateStorageConfig rejects configurations no backend can open. A zero
// MaxConnections is allowed and means the backend default.
func ValidateStorageConfig(cfg *config.StorageConfig) error {
	if cfg == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage configuration is required", "")
	}
	if strings.TrimSpace(cfg.Type) == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage type is required", "")
	}
	if strings.TrimSpace(cfg.ConnectionString) == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage connection string is required", "")
	}
	if cfg.MaxConnections < 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Max connections cannot be negative", strconv.Itoa(cfg.MaxConnections))
	}
	if cfg.MaxIdleTime < 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Max idle time cannot be negative", cfg.MaxIdleTime.String())
	}

	kind := strings.ToLower(cfg.Type)
	for _, t := range supportedTypes {
		if kind == t {
			return nil
		}
	}

	return utils.NewAppError(utils.ErrCodeConfiguration,
		"Unsupported storage type",
		"Supported types: "+strings.Join(supportedTypes, ", "))
}
