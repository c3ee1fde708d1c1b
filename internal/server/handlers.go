package server

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// badRequest carries a parameter error back to the handler
type badRequest struct {
	param  string
	detail string
}

func (b *badRequest) write(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, utils.ErrCodeValidation, "Invalid parameter "+b.param, b.detail)
}

// page reads first/skip with the storage defaults and bounds
func page(r *http.Request) (first, skip int, bad *badRequest) {
	q := r.URL.Query()

	first = storage.DefaultPageSize
	if v := q.Get("first"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > storage.MaxPageSize {
			return 0, 0, &badRequest{"first", "must be an integer between 1 and " + strconv.Itoa(storage.MaxPageSize)}
		}
		first = n
	}

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, &badRequest{"skip", "must be a non-negative integer"}
		}
		skip = n
	}

	return first, skip, nil
}

// addressParam validates and normalizes an optional address. An empty value stays empty.
func addressParam(name, value string) (string, *badRequest) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if !utils.IsValidAddress(value) {
		return "", &badRequest{name, "not a hex address: " + value}
	}
	return utils.AddressID(common.HexToAddress(value)), nil
}

func nftIDParam(r *http.Request) (string, *badRequest) {
	raw := mux.Vars(r)["id"]
	id, ok := utils.ParseTokenID(raw)
	if !ok {
		return "", &badRequest{"id", "not a token ID: " + raw}
	}
	return utils.TokenID(id), nil
}

// listNFTsHandler lists NFTs ordered by creation time
func (s *HTTPServer) listNFTsHandler(w http.ResponseWriter, r *http.Request) {
	first, skip, bad := page(r)
	if bad != nil {
		bad.write(w)
		return
	}

	q := r.URL.Query()
	filter := models.NFTFilter{First: first, Skip: skip, OrderDesc: true}

	switch strings.ToLower(q.Get("orderDirection")) {
	case "", "desc":
	case "asc":
		filter.OrderDesc = false
	default:
		(&badRequest{"orderDirection", "must be asc or desc"}).write(w)
		return
	}

	if filter.Owner, bad = addressParam("owner", q.Get("owner")); bad != nil {
		bad.write(w)
		return
	}
	if filter.Creator, bad = addressParam("creator", q.Get("creator")); bad != nil {
		bad.write(w)
		return
	}

	nfts, err := s.storage.ListNFTs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, "Failed to list NFTs", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nfts":  nfts,
		"first": first,
		"skip":  skip,
	})
}

// getNFTHandler returns one NFT
func (s *HTTPServer) getNFTHandler(w http.ResponseWriter, r *http.Request) {
	id, bad := nftIDParam(r)
	if bad != nil {
		bad.write(w)
		return
	}

	nft, err := s.storage.GetNFT(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to load NFT", err)
		return
	}
	if nft == nil {
		writeError(w, http.StatusNotFound, utils.ErrCodeNotFound, "NFT not found", id)
		return
	}

	writeJSON(w, http.StatusOK, nft)
}

// nftTransfersHandler lists the transfers of one NFT, newest first
func (s *HTTPServer) nftTransfersHandler(w http.ResponseWriter, r *http.Request) {
	id, bad := nftIDParam(r)
	if bad != nil {
		bad.write(w)
		return
	}
	first, skip, bad := page(r)
	if bad != nil {
		bad.write(w)
		return
	}

	nft, err := s.storage.GetNFT(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to load NFT", err)
		return
	}
	if nft == nil {
		writeError(w, http.StatusNotFound, utils.ErrCodeNotFound, "NFT not found", id)
		return
	}

	transfers, err := s.storage.ListTransfers(r.Context(), models.TransferFilter{NFT: id, First: first, Skip: skip})
	if err != nil {
		writeStoreError(w, "Failed to list transfers", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nft":       id,
		"transfers": transfers,
		"first":     first,
		"skip":      skip,
	})
}

func (s *HTTPServer) loadUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	raw := mux.Vars(r)["address"]
	id, bad := addressParam("address", raw)
	if bad == nil && id == "" {
		bad = &badRequest{"address", "address is required"}
	}
	if bad != nil {
		bad.write(w)
		return nil, false
	}

	user, err := s.storage.GetUser(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to load user", err)
		return nil, false
	}
	if user == nil {
		writeError(w, http.StatusNotFound, utils.ErrCodeNotFound, "User not found", id)
		return nil, false
	}
	return user, true
}

// getUserHandler returns a user's aggregate counters
func (s *HTTPServer) getUserHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// userNFTsHandler lists the NFTs a user owns or created
func (s *HTTPServer) userNFTsHandler(w http.ResponseWriter, r *http.Request) {
	first, skip, bad := page(r)
	if bad != nil {
		bad.write(w)
		return
	}

	relation := strings.ToLower(r.URL.Query().Get("relation"))
	if relation == "" {
		relation = "owned"
	}
	if relation != "owned" && relation != "created" {
		(&badRequest{"relation", "must be owned or created"}).write(w)
		return
	}

	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}

	filter := models.NFTFilter{First: first, Skip: skip, OrderDesc: true}
	if relation == "owned" {
		filter.Owner = user.ID
	} else {
		filter.Creator = user.ID
	}

	nfts, err := s.storage.ListNFTs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, "Failed to list NFTs", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":     user.ID,
		"relation": relation,
		"nfts":     nfts,
		"first":    first,
		"skip":     skip,
	})
}

// listTransactionsHandler lists transactions, newest first
func (s *HTTPServer) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	first, skip, bad := page(r)
	if bad != nil {
		bad.write(w)
		return
	}

	user, bad := addressParam("user", r.URL.Query().Get("user"))
	if bad != nil {
		bad.write(w)
		return
	}

	txs, err := s.storage.ListTransactions(r.Context(), models.TransactionFilter{User: user, First: first, Skip: skip})
	if err != nil {
		writeStoreError(w, "Failed to list transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"first":        first,
		"skip":         skip,
	})
}

// getTransactionHandler looks a transaction up by entity ID, then by hash
func (s *HTTPServer) getTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(mux.Vars(r)["id"])

	tx, err := s.storage.GetTransaction(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to load transaction", err)
		return
	}

	if tx == nil && txHashPattern.MatchString(id) {
		txs, err := s.storage.ListTransactions(r.Context(), models.TransactionFilter{Hash: id, First: 1})
		if err != nil {
			writeStoreError(w, "Failed to load transaction", err)
			return
		}
		if len(txs) > 0 {
			tx = txs[0]
		}
	}

	if tx == nil {
		writeError(w, http.StatusNotFound, utils.ErrCodeNotFound, "Transaction not found", id)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// statsHandler returns the global marketplace counters
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.GetGlobalStats(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to load stats", err)
		return
	}
	if stats == nil {
		stats = models.NewGlobalStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// healthHandler reports storage reachability, indexing progress and monitor state
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    time.Since(s.startTime).String(),
	}

	var issues []string
	if err := s.storage.Ping(); err != nil {
		issues = append(issues, "storage unreachable: "+err.Error())
	} else if block, ok, err := s.storage.GetLatestProcessedBlock(r.Context()); err != nil {
		issues = append(issues, "failed to read latest processed block: "+err.Error())
	} else if ok {
		resp["latestProcessedBlock"] = block
	}

	if s.monitor != nil {
		health := s.monitor.GetHealth()
		resp["monitor"] = health
		issues = append(issues, health.Issues...)
	}
	if s.hub != nil {
		resp["websocketClients"] = s.hub.ClientCount()
	}

	if len(issues) > 0 {
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
		resp["issues"] = issues
	}

	writeJSON(w, status, resp)
}
