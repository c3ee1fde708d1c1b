package indexer

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000000A")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000000B")
	addrC = common.HexToAddress("0x000000000000000000000000000000000000000C")
)

// ether returns tenths of an ether in wei, so ether(25) is 2.5 ether.
func ether(tenths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(1e17))
}

func meta(block uint64, logIndex uint) models.EventMeta {
	return models.EventMeta{
		BlockNumber:    block,
		BlockTimestamp: 1_700_000_000 + block*12,
		TxHash:         common.BigToHash(new(big.Int).SetUint64(block<<16 | uint64(logIndex) | 1<<40)),
		LogIndex:       logIndex,
		GasUsed:        big.NewInt(85_000),
		GasPrice:       big.NewInt(2_000_000_000),
	}
}

func minted(block uint64, logIndex uint, tokenID int64, creator common.Address, price *big.Int) *models.MintedEvent {
	return &models.MintedEvent{
		EventMeta: meta(block, logIndex),
		TokenID:   big.NewInt(tokenID),
		Creator:   creator,
		TokenURI:  "ipfs://token",
		Price:     price,
	}
}

func transferred(block uint64, logIndex uint, tokenID int64, from, to common.Address) *models.TransferredEvent {
	return &models.TransferredEvent{
		EventMeta: meta(block, logIndex),
		TokenID:   big.NewInt(tokenID),
		From:      from,
		To:        to,
	}
}

func priceUpdated(block uint64, logIndex uint, tokenID int64, price *big.Int) *models.PriceUpdatedEvent {
	return &models.PriceUpdatedEvent{
		EventMeta: meta(block, logIndex),
		TokenID:   big.NewInt(tokenID),
		NewPrice:  price,
	}
}

func rawTransfer(block uint64, logIndex uint, tokenID int64, from, to common.Address) *models.RawTransferEvent {
	return &models.RawTransferEvent{
		EventMeta: meta(block, logIndex),
		From:      from,
		To:        to,
		TokenID:   big.NewInt(tokenID),
	}
}

func newSQLiteStorage(t *testing.T) storage.Storage {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "indexer.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

// memStore is an in-memory EntityStore that counts writes.
type memStore struct {
	users        map[string]models.User
	nfts         map[string]models.NFT
	transactions map[string]models.Transaction
	transfers    map[string]models.Transfer
	stats        *models.GlobalStats
	writes       int
}

func newMemStore() *memStore {
	return &memStore{
		users:        map[string]models.User{},
		nfts:         map[string]models.NFT{},
		transactions: map[string]models.Transaction{},
		transfers:    map[string]models.Transfer{},
	}
}

var _ storage.EntityStore = (*memStore)(nil)

func (m *memStore) GetUser(_ context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *memStore) GetNFT(_ context.Context, id string) (*models.NFT, error) {
	if n, ok := m.nfts[id]; ok {
		return &n, nil
	}
	return nil, nil
}

func (m *memStore) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	if t, ok := m.transactions[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memStore) GetTransfer(_ context.Context, id string) (*models.Transfer, error) {
	if t, ok := m.transfers[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memStore) GetGlobalStats(_ context.Context) (*models.GlobalStats, error) {
	if m.stats == nil {
		return nil, nil
	}
	return m.stats.Clone(), nil
}

func (m *memStore) SaveUser(_ context.Context, u *models.User) error {
	m.writes++
	m.users[u.ID] = *u
	return nil
}

func (m *memStore) SaveNFT(_ context.Context, n *models.NFT) error {
	m.writes++
	m.nfts[n.ID] = *n
	return nil
}

func (m *memStore) SaveTransaction(_ context.Context, t *models.Transaction) error {
	m.writes++
	m.transactions[t.ID] = *t
	return nil
}

func (m *memStore) SaveTransfer(_ context.Context, t *models.Transfer) error {
	m.writes++
	m.transfers[t.ID] = *t
	return nil
}

func (m *memStore) SaveGlobalStats(_ context.Context, s *models.GlobalStats) error {
	m.writes++
	m.stats = s.Clone()
	return nil
}
