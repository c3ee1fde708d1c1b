package monitor

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

var (
	marketplace = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice       = common.HexToAddress("0x000000000000000000000000000000000000000A")
	bob         = common.HexToAddress("0x000000000000000000000000000000000000000B")
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func bigTopic(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

func txHash(block uint64, index uint) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block<<16 | uint64(index) | 1<<40))
}

// logBuilder packs marketplace logs with the real ABI
type logBuilder struct {
	t *testing.T
}

func (b logBuilder) base(name string, block uint64, index uint, topics []common.Hash, data []byte) types.Log {
	contractABI, err := MarketplaceABI()
	require.NoError(b.t, err)
	return types.Log{
		Address:     marketplace,
		Topics:      append([]common.Hash{contractABI.Events[name].ID}, topics...),
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash(block, index),
		Index:       index,
	}
}

func (b logBuilder) pack(name string, args ...interface{}) []byte {
	contractABI, err := MarketplaceABI()
	require.NoError(b.t, err)
	data, err := contractABI.Events[name].Inputs.NonIndexed().Pack(args...)
	require.NoError(b.t, err)
	return data
}

func (b logBuilder) minted(block uint64, index uint, tokenID int64, creator common.Address, uri string, price *big.Int) types.Log {
	return b.base("NFTMinted", block, index,
		[]common.Hash{bigTopic(tokenID), addressTopic(creator)},
		b.pack("NFTMinted", uri, price))
}

func (b logBuilder) transferred(block uint64, index uint, tokenID int64, from, to common.Address) types.Log {
	return b.base("NFTTransferred", block, index,
		[]common.Hash{bigTopic(tokenID), addressTopic(from), addressTopic(to)}, nil)
}

func (b logBuilder) priceUpdated(block uint64, index uint, tokenID int64, price *big.Int) types.Log {
	return b.base("PriceUpdated", block, index,
		[]common.Hash{bigTopic(tokenID)},
		b.pack("PriceUpdated", price))
}

func (b logBuilder) rawTransfer(block uint64, index uint, tokenID int64, from, to common.Address) types.Log {
	return b.base("Transfer", block, index,
		[]common.Hash{addressTopic(from), addressTopic(to), bigTopic(tokenID)}, nil)
}

// fakeChain is an in-memory ChainReader
type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	gasPrice    *big.Int
	effective   bool
	queries     []ethereum.FilterQuery
	headerCalls int
	filterErr   error
}

func (f *fakeChain) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls++
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()*12}, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	// newest first, so the monitor has to sort
	for i := len(f.logs) - 1; i >= 0; i-- {
		l := f.logs[i]
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r := &types.Receipt{TxHash: hash, GasUsed: 85_000}
	if f.effective {
		r.EffectiveGasPrice = big.NewInt(3_000_000_000)
	}
	return r, nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, _ common.Hash) (*types.Transaction, bool, error) {
	price := f.gasPrice
	if price == nil {
		price = big.NewInt(2_000_000_000)
	}
	return types.NewTx(&types.LegacyTx{GasPrice: price, Gas: 100_000}), false, nil
}

func (f *fakeChain) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

func newSQLiteStorage(t *testing.T) storage.Storage {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "monitor.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}
