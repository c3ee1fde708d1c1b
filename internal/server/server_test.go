package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/indexer"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000000A")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000000B")
)

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

func mint(block uint64, tokenID int64, creator common.Address, price int64) *models.MintedEvent {
	return &models.MintedEvent{
		EventMeta: meta(block, 0),
		TokenID:   big.NewInt(tokenID),
		Creator:   creator,
		TokenURI:  "ipfs://token",
		Price:     big.NewInt(price),
	}
}

func transfer(block uint64, tokenID int64, from, to common.Address) *models.TransferredEvent {
	return &models.TransferredEvent{
		EventMeta: meta(block, 0),
		TokenID:   big.NewInt(tokenID),
		From:      from,
		To:        to,
	}
}

type testEnv struct {
	store   storage.Storage
	indexer *indexer.Indexer
	hub     *WebSocketHub
	metrics *metrics.Manager
	server  *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "api.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	mm := metrics.NewManager()
	hub := NewWebSocketHub(mm)
	ix := indexer.New(store, mm)
	ix.Subscribe(hub)

	srv := NewHTTPServer(&config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		EnableMetrics:   true,
		EnableWebSocket: true,
	}, store, nil, hub, mm)

	return &testEnv{store: store, indexer: ix, hub: hub, metrics: mm, server: srv}
}

func (e *testEnv) process(t *testing.T, events ...models.ChainEvent) {
	t.Helper()
	_, err := e.indexer.ProcessBatch(context.Background(), events)
	require.NoError(t, err)
}

func (e *testEnv) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func (e *testEnv) seed(t *testing.T) {
	e.process(t,
		mint(1, 1, alice, 1_000),
		mint(2, 2, alice, 2_000),
		mint(3, 3, bob, 3_000),
		transfer(4, 1, alice, bob),
	)
}

func TestListNFTs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	code, body := env.get(t, "/api/v1/nfts")
	require.Equal(t, http.StatusOK, code)
	nfts := body["nfts"].([]interface{})
	require.Len(t, nfts, 3)
	assert.Equal(t, "3", nfts[0].(map[string]interface{})["id"])

	code, body = env.get(t, "/api/v1/nfts?orderDirection=asc&first=2")
	require.Equal(t, http.StatusOK, code)
	nfts = body["nfts"].([]interface{})
	require.Len(t, nfts, 2)
	assert.Equal(t, "1", nfts[0].(map[string]interface{})["id"])
	assert.Equal(t, "1000", nfts[0].(map[string]interface{})["price"])

	code, body = env.get(t, "/api/v1/nfts?owner="+bob.Hex())
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["nfts"], 2)

	code, body = env.get(t, "/api/v1/nfts?creator="+strings.ToLower(alice.Hex()))
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["nfts"], 2)
}

func TestListNFTsRejectsBadParams(t *testing.T) {
	env := newTestEnv(t)

	for _, q := range []string{
		"first=0",
		"first=1001",
		"first=abc",
		"skip=-1",
		"orderDirection=sideways",
		"owner=0x123",
	} {
		code, body := env.get(t, "/api/v1/nfts?"+q)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, utils.ErrCodeValidation, errorCode(body), q)
	}
}

func TestGetNFTAndTransfers(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	code, body := env.get(t, "/api/v1/nfts/1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, utils.AddressID(bob), body["owner"])
	assert.Equal(t, "NFT #1", body["name"])

	code, body = env.get(t, "/api/v1/nfts/1/transfers")
	require.Equal(t, http.StatusOK, code)
	transfers := body["transfers"].([]interface{})
	require.Len(t, transfers, 1)
	assert.Equal(t, utils.AddressID(alice), transfers[0].(map[string]interface{})["from"])

	code, body = env.get(t, "/api/v1/nfts/99")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, utils.ErrCodeNotFound, errorCode(body))

	code, _ = env.get(t, "/api/v1/nfts/99/transfers")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.get(t, "/api/v1/nfts/not-a-number")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUsers(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	code, body := env.get(t, "/api/v1/users/"+alice.Hex())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["totalNFTsCreated"])
	assert.Equal(t, float64(1), body["totalNFTsOwned"])

	code, body = env.get(t, "/api/v1/users/"+bob.Hex()+"/nfts")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "owned", body["relation"])
	assert.Len(t, body["nfts"], 2)

	code, body = env.get(t, "/api/v1/users/"+alice.Hex()+"/nfts?relation=created")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["nfts"], 2)

	code, _ = env.get(t, "/api/v1/users/"+alice.Hex()+"/nfts?relation=liked")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.get(t, "/api/v1/users/0x00000000000000000000000000000000000000ff")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.get(t, "/api/v1/users/nobody")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTransactions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	code, body := env.get(t, "/api/v1/transactions")
	require.Equal(t, http.StatusOK, code)
	txs := body["transactions"].([]interface{})
	require.Len(t, txs, 4)
	newest := txs[0].(map[string]interface{})
	assert.Equal(t, "TRANSFER", newest["type"])

	code, body = env.get(t, "/api/v1/transactions?user="+bob.Hex())
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["transactions"])

	id := newest["id"].(string)
	code, body = env.get(t, "/api/v1/transactions/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])

	// hash lookup falls back to the newest record of that transaction
	hash := meta(4, 0).TxHash.Hex()
	code, body = env.get(t, "/api/v1/transactions/"+hash)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, hash, body["transactionHash"])

	code, _ = env.get(t, "/api/v1/transactions/"+common.HexToHash("0xdead").Hex())
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.GlobalStatsID, body["id"])
	assert.Equal(t, float64(0), body["totalNFTs"])

	env.seed(t)
	code, body = env.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["totalNFTs"])
	assert.Equal(t, float64(2), body["totalUsers"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetLatestProcessedBlock(context.Background(), 42))

	code, body := env.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(42), body["latestProcessedBlock"])

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nft_indexer_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/health"`)

	require.NoError(t, env.store.Close())
	code, body = env.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.get(t, "/api/v2/nothing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, utils.ErrCodeNotFound, errorCode(body))
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer all.Close()
	bobOnly, _, err := websocket.DefaultDialer.Dial(wsURL+"?address="+bob.Hex(), nil)
	require.NoError(t, err)
	defer bobOnly.Close()

	assert.Equal(t, "connected", readMessage(t, all).Type)
	assert.Equal(t, "connected", readMessage(t, bobOnly).Type)
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	env.process(t, mint(1, 1, alice, 100))
	env.process(t, transfer(2, 1, alice, bob))

	msg := readMessage(t, all)
	assert.Equal(t, "event_indexed", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, string(models.KindMinted), data["kind"])
	event := data["event"].(map[string]interface{})
	assert.Equal(t, "100", event["price"])
	assert.Equal(t, "1", event["tokenId"])
	msg = readMessage(t, all)
	assert.Equal(t, string(models.KindTransferred), msg.Data.(map[string]interface{})["kind"])

	// the filtered client never sees alice's mint
	msg = readMessage(t, bobOnly)
	data = msg.Data.(map[string]interface{})
	assert.Equal(t, string(models.KindTransferred), data["kind"])
	assert.Equal(t, string(indexer.StatusApplied), data["status"])

	bad, resp, err := websocket.DefaultDialer.Dial(wsURL+"?address=nope", nil)
	require.Error(t, err)
	if bad != nil {
		bad.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketRejectsClientsAfterHubStops(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		env.hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, env.hub.ClientCount())

	// a stopped hub accepts broadcasts without blocking
	env.process(t, mint(1, 1, alice, 100))
	assert.Equal(t, 0, env.hub.ClientCount())
}
