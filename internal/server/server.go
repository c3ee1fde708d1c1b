package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/monitor"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// HTTPServer serves the read API, health, metrics and the websocket feed
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	monitor        monitor.Monitor
	hub            *WebSocketHub
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	startTime      time.Time
}

// NewHTTPServer creates a new HTTP server. monitor, hub and metricsManager may be nil.
func NewHTTPServer(
	cfg *config.ServerConfig,
	store storage.Storage,
	mon monitor.Monitor,
	hub *WebSocketHub,
	metricsManager *metrics.Manager,
) *HTTPServer {
	s := &HTTPServer{
		config:         cfg,
		storage:        store,
		monitor:        mon,
		hub:            hub,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http"),
		startTime:      time.Now(),
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/nfts", s.listNFTsHandler).Methods(http.MethodGet)
	api.HandleFunc("/nfts/{id}", s.getNFTHandler).Methods(http.MethodGet)
	api.HandleFunc("/nfts/{id}/transfers", s.nftTransfersHandler).Methods(http.MethodGet)

	api.HandleFunc("/users/{address}", s.getUserHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{address}/nfts", s.userNFTsHandler).Methods(http.MethodGet)

	api.HandleFunc("/transactions", s.listTransactionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}", s.getTransactionHandler).Methods(http.MethodGet)

	api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	if s.config.EnableMetrics && s.metricsManager != nil {
		api.Handle("/metrics", s.metricsManager.Handler()).Methods(http.MethodGet)
	}
	if s.config.EnableWebSocket && s.hub != nil {
		api.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, utils.ErrCodeNotFound, "Route not found", r.URL.Path)
	})
}

// Handler returns the root handler, for tests and embedding
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start listens in the background. Bind errors are returned immediately.
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Failed to start HTTP server", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"address":           s.server.Addr,
		"metrics_enabled":   s.config.EnableMetrics,
		"websocket_enabled": s.config.EnableWebSocket,
	}).Info("Starting HTTP server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// RunSystemMetrics refreshes runtime and component gauges until ctx is done
func (s *HTTPServer) RunSystemMetrics(ctx context.Context, interval time.Duration) {
	if s.metricsManager == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.updateSystemMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *HTTPServer) updateSystemMetrics() {
	s.metricsManager.UpdateSystemMetrics()

	prom := s.metricsManager.GetPrometheusMetrics()
	prom.UpdateApplicationUptime(s.startTime)
	prom.UpdateComponentHealth("storage", s.storage.Ping() == nil)
	if s.monitor != nil {
		prom.UpdateComponentHealth("monitor", s.monitor.GetHealth().Healthy)
	}
}

// Stop gracefully shuts the server down
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		utils.ComponentLogger("http").WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message, details string) {
	if status >= http.StatusInternalServerError {
		utils.ComponentLogger("http").WithFields(logrus.Fields{
			"status":  status,
			"code":    code,
			"details": details,
		}).Error(message)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

// writeStoreError maps a storage failure to a 500
func writeStoreError(w http.ResponseWriter, message string, err error) {
	writeError(w, http.StatusInternalServerError, utils.ErrCodeDatabase, message, err.Error())
}
