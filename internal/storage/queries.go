package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

const (
	// DefaultPageSize applies when a filter leaves First unset
	DefaultPageSize = 10
	// MaxPageSize bounds First
	MaxPageSize = 1000
)

func pageBounds(first, skip int) (int, int) {
	if first <= 0 {
		first = DefaultPageSize
	}
	if first > MaxPageSize {
		first = MaxPageSize
	}
	if skip < 0 {
		skip = 0
	}
	return first, skip
}

// where accumulates AND-ed predicates
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// ListNFTs lists NFTs by creation time. Ties break on numeric token order.
func (r *entityRepo) ListNFTs(ctx context.Context, filter models.NFTFilter) ([]*models.NFT, error) {
	var w where
	if filter.Owner != "" {
		w.add("owner = ?", strings.ToLower(filter.Owner))
	}
	if filter.Creator != "" {
		w.add("creator = ?", strings.ToLower(filter.Creator))
	}

	dir := "ASC"
	if filter.OrderDesc {
		dir = "DESC"
	}
	first, skip := pageBounds(filter.First, filter.Skip)

	query := `SELECT ` + nftColumns + ` FROM nfts` + w.String() +
		` ORDER BY created_at ` + dir + `, LENGTH(id) ` + dir + `, id ` + dir + ` LIMIT ? OFFSET ?`

	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(query), append(w.args, first, skip)...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list NFTs", err.Error())
	}
	defer rows.Close()

	nfts := make([]*models.NFT, 0, first)
	for rows.Next() {
		n, err := scanNFT(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan NFT", err.Error())
		}
		nfts = append(nfts, n)
	}
	return nfts, rowsErr(rows, "Failed to list NFTs")
}

// ListTransactions lists transactions newest first
func (r *entityRepo) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	var w where
	if filter.User != "" {
		w.add("user_id = ?", strings.ToLower(filter.User))
	}
	if filter.Hash != "" {
		w.add("transaction_hash = ?", strings.ToLower(filter.Hash))
	}
	first, skip := pageBounds(filter.First, filter.Skip)

	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() +
		` ORDER BY block_timestamp DESC, block_number DESC, log_index DESC LIMIT ? OFFSET ?`

	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(query), append(w.args, first, skip)...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list transactions", err.Error())
	}
	defer rows.Close()

	txs := make([]*models.Transaction, 0, first)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan transaction", err.Error())
		}
		txs = append(txs, t)
	}
	return txs, rowsErr(rows, "Failed to list transactions")
}

// ListTransfers lists transfers newest first
func (r *entityRepo) ListTransfers(ctx context.Context, filter models.TransferFilter) ([]*models.Transfer, error) {
	var w where
	if filter.NFT != "" {
		w.add("nft = ?", filter.NFT)
	}
	first, skip := pageBounds(filter.First, filter.Skip)

	query := `SELECT ` + transferColumns + ` FROM transfers` + w.String() +
		` ORDER BY block_number DESC, log_index DESC LIMIT ? OFFSET ?`

	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(query), append(w.args, first, skip)...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list transfers", err.Error())
	}
	defer rows.Close()

	transfers := make([]*models.Transfer, 0, first)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan transfer", err.Error())
		}
		transfers = append(transfers, t)
	}
	return transfers, rowsErr(rows, "Failed to list transfers")
}

func rowsErr(rows *sql.Rows, msg string) error {
	if err := rows.Err(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, msg, err.Error())
	}
	return nil
}
