package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/indexer"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

// WebSocketMessage is the envelope of every message sent to clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// IndexedEvent is the payload of an event_indexed message
type IndexedEvent struct {
	Key             models.EventKey   `json:"key"`
	Kind            models.EventKind  `json:"kind"`
	TransactionHash string            `json:"transactionHash"`
	Status          indexer.Status    `json:"status"`
	Event           models.ChainEvent `json:"event"`
}

type broadcastItem struct {
	payload   []byte
	addresses []string
}

type wsClient struct {
	hub     *WebSocketHub
	conn    *websocket.Conn
	send    chan []byte
	address string // empty means every event
}

// WebSocketHub fans indexed events out to websocket clients. It implements
// indexer.Observer.
type WebSocketHub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan broadcastItem
	done       chan struct{}

	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *logrus.Entry
	metrics  *metrics.PrometheusMetrics
}

var _ indexer.Observer = (*WebSocketHub)(nil)

// NewWebSocketHub creates a new hub. metricsManager may be nil.
func NewWebSocketHub(metricsManager *metrics.Manager) *WebSocketHub {
	h := &WebSocketHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient, 16),
		broadcast:  make(chan broadcastItem, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: utils.ComponentLogger("websocket"),
	}
	if metricsManager != nil {
		h.metrics = metricsManager.GetPrometheusMetrics()
	}
	return h
}

// Run processes registrations and broadcasts until ctx is done
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.updateClientCount(count)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateClientCount(count)

		case item := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(item.addresses) {
					continue
				}
				select {
				case c.send <- item.payload:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateClientCount(count)
		}
	}
}

// OnEventIndexed queues a committed event for broadcast. It never blocks the indexer.
func (h *WebSocketHub) OnEventIndexed(result *indexer.ProcessResult) {
	msg := WebSocketMessage{
		Type: "event_indexed",
		Data: IndexedEvent{
			Key:             result.Key,
			Kind:            result.Kind,
			TransactionHash: result.TransactionHash,
			Status:          result.Status,
			Event:           result.Event,
		},
		Timestamp: result.ProcessedAt.UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode websocket message")
		return
	}

	var addresses []string
	if result.Event != nil {
		for _, a := range result.Event.Addresses() {
			addresses = append(addresses, utils.AddressID(a))
		}
	}

	select {
	case h.broadcast <- broadcastItem{payload: payload, addresses: addresses}:
	default:
		h.logger.WithField("event", result.Key.String()).Warn("Websocket broadcast queue full, dropping event")
	}
}

// ServeWS upgrades the request and subscribes the client. The optional
// address query parameter limits the feed to events touching that account.
func (h *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address != "" {
		if !utils.IsValidAddress(address) {
			writeError(w, http.StatusBadRequest, utils.ErrCodeValidation, "Invalid address", address)
			return
		}
		address = utils.AddressID(common.HexToAddress(address))
	}

	select {
	case <-h.done:
		writeError(w, http.StatusServiceUnavailable, utils.ErrCodeInternal, "Websocket feed stopped", "")
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &wsClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, clientBuffer),
		address: address,
	}

	hello, _ := json.Marshal(WebSocketMessage{
		Type:      "connected",
		Data:      map[string]string{"address": address},
		Timestamp: time.Now().UnixMilli(),
	})
	c.send <- hello

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) updateClientCount(count int) {
	if h.metrics != nil {
		h.metrics.UpdateWebSocketClients(count)
	}
}

func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.updateClientCount(0)
}

func (c *wsClient) wants(addresses []string) bool {
	if c.address == "" {
		return true
	}
	for _, a := range addresses {
		if a == c.address {
			return true
		}
	}
	return false
}

// readPump drains client frames so pongs and close frames are seen
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only goroutine writing to the connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
