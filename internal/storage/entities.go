package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// entityRepo implements Tx and QueryStore over a single queryer.
type entityRepo struct {
	q       queryer
	dialect dialect
}

var _ Tx = (*entityRepo)(nil)
var _ QueryStore = (*entityRepo)(nil)

func (r *entityRepo) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.q.ExecContext(ctx, r.dialect.rebind(query), args...)
	return err
}

func (r *entityRepo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.dialect.rebind(query), args...)
}

// Big integers are stored as base-10 text.

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullBigText(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// GetUser loads a user by address ID
func (r *entityRepo) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.queryRow(ctx, `
		SELECT id, address, total_nfts_created, total_nfts_owned, total_transactions,
		       first_transaction_at, last_transaction_at
		FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.Address, &u.TotalNFTsCreated, &u.TotalNFTsOwned, &u.TotalTransactions,
		&u.FirstTransactionAt, &u.LastTransactionAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get user", err.Error())
	}
	return &u, nil
}

// SaveUser upserts a user
func (r *entityRepo) SaveUser(ctx context.Context, u *models.User) error {
	err := r.exec(ctx, `
		INSERT INTO users (id, address, total_nfts_created, total_nfts_owned, total_transactions,
		                   first_transaction_at, last_transaction_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			total_nfts_created = excluded.total_nfts_created,
			total_nfts_owned = excluded.total_nfts_owned,
			total_transactions = excluded.total_transactions,
			first_transaction_at = excluded.first_transaction_at,
			last_transaction_at = excluded.last_transaction_at`,
		u.ID, u.Address, int64(u.TotalNFTsCreated), int64(u.TotalNFTsOwned), int64(u.TotalTransactions),
		int64(u.FirstTransactionAt), int64(u.LastTransactionAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save user", err.Error())
	}
	return nil
}

const nftColumns = `id, token_id, creator, owner, token_uri, price, name, description, image, created_at, updated_at`

func scanNFT(row interface{ Scan(...any) error }) (*models.NFT, error) {
	var (
		n              models.NFT
		tokenID, price string
	)
	if err := row.Scan(&n.ID, &tokenID, &n.Creator, &n.Owner, &n.TokenURI, &price,
		&n.Name, &n.Description, &n.Image, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if n.TokenID, err = parseBig(tokenID); err != nil {
		return nil, err
	}
	if n.Price, err = parseBig(price); err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNFT loads an NFT by decimal token ID
func (r *entityRepo) GetNFT(ctx context.Context, id string) (*models.NFT, error) {
	n, err := scanNFT(r.queryRow(ctx, `SELECT `+nftColumns+` FROM nfts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get NFT", err.Error())
	}
	return n, nil
}

// SaveNFT upserts an NFT
func (r *entityRepo) SaveNFT(ctx context.Context, n *models.NFT) error {
	err := r.exec(ctx, `
		INSERT INTO nfts (`+nftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			token_id = excluded.token_id,
			creator = excluded.creator,
			owner = excluded.owner,
			token_uri = excluded.token_uri,
			price = excluded.price,
			name = excluded.name,
			description = excluded.description,
			image = excluded.image,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		n.ID, bigText(n.TokenID), n.Creator, n.Owner, n.TokenURI, bigText(n.Price),
		n.Name, n.Description, n.Image, int64(n.CreatedAt), int64(n.UpdatedAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save NFT", err.Error())
	}
	return nil
}

const transactionColumns = `id, type, nft, user_id, from_user, to_user, price, gas_used, gas_price,
	block_number, block_timestamp, transaction_hash, log_index`

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var (
		t                 models.Transaction
		txType            string
		from, to, price   sql.NullString
		gasUsed, gasPrice string
	)
	if err := row.Scan(&t.ID, &txType, &t.NFT, &t.User, &from, &to, &price, &gasUsed, &gasPrice,
		&t.BlockNumber, &t.BlockTimestamp, &t.TransactionHash, &t.LogIndex); err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(txType)
	t.From, t.To = stringPtr(from), stringPtr(to)

	var err error
	if price.Valid {
		if t.Price, err = parseBig(price.String); err != nil {
			return nil, err
		}
	}
	if t.GasUsed, err = parseBig(gasUsed); err != nil {
		return nil, err
	}
	if t.GasPrice, err = parseBig(gasPrice); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransaction loads a transaction by entity ID
func (r *entityRepo) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := scanTransaction(r.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get transaction", err.Error())
	}
	return t, nil
}

// SaveTransaction upserts a transaction
func (r *entityRepo) SaveTransaction(ctx context.Context, t *models.Transaction) error {
	err := r.exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			nft = excluded.nft,
			user_id = excluded.user_id,
			from_user = excluded.from_user,
			to_user = excluded.to_user,
			price = excluded.price,
			gas_used = excluded.gas_used,
			gas_price = excluded.gas_price,
			block_number = excluded.block_number,
			block_timestamp = excluded.block_timestamp,
			transaction_hash = excluded.transaction_hash,
			log_index = excluded.log_index`,
		t.ID, string(t.Type), t.NFT, t.User, nullString(t.From), nullString(t.To), nullBigText(t.Price),
		bigText(t.GasUsed), bigText(t.GasPrice), int64(t.BlockNumber), int64(t.BlockTimestamp),
		t.TransactionHash, int64(t.LogIndex))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save transaction", err.Error())
	}
	return nil
}

const transferColumns = `id, nft, from_user, to_user, block_number, block_timestamp, transaction_hash, gas_used, log_index`

func scanTransfer(row interface{ Scan(...any) error }) (*models.Transfer, error) {
	var (
		t       models.Transfer
		gasUsed string
	)
	if err := row.Scan(&t.ID, &t.NFT, &t.From, &t.To, &t.BlockNumber, &t.BlockTimestamp,
		&t.TransactionHash, &gasUsed, &t.LogIndex); err != nil {
		return nil, err
	}
	var err error
	if t.GasUsed, err = parseBig(gasUsed); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransfer loads a transfer by ID
func (r *entityRepo) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	t, err := scanTransfer(r.queryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get transfer", err.Error())
	}
	return t, nil
}

// SaveTransfer upserts a transfer
func (r *entityRepo) SaveTransfer(ctx context.Context, t *models.Transfer) error {
	err := r.exec(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			nft = excluded.nft,
			from_user = excluded.from_user,
			to_user = excluded.to_user,
			block_number = excluded.block_number,
			block_timestamp = excluded.block_timestamp,
			transaction_hash = excluded.transaction_hash,
			gas_used = excluded.gas_used,
			log_index = excluded.log_index`,
		t.ID, t.NFT, t.From, t.To, int64(t.BlockNumber), int64(t.BlockTimestamp),
		t.TransactionHash, bigText(t.GasUsed), int64(t.LogIndex))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save transfer", err.Error())
	}
	return nil
}

// GetGlobalStats loads the statistics singleton
func (r *entityRepo) GetGlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	var (
		s      models.GlobalStats
		volume string
	)
	err := r.queryRow(ctx, `
		SELECT id, total_nfts, total_users, total_transactions, total_volume, last_updated
		FROM global_stats WHERE id = ?`, models.GlobalStatsID).Scan(
		&s.ID, &s.TotalNFTs, &s.TotalUsers, &s.TotalTransactions, &volume, &s.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get global stats", err.Error())
	}
	if s.TotalVolume, err = parseBig(volume); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt total volume", err.Error())
	}
	return &s, nil
}

// SaveGlobalStats upserts the statistics singleton
func (r *entityRepo) SaveGlobalStats(ctx context.Context, s *models.GlobalStats) error {
	err := r.exec(ctx, `
		INSERT INTO global_stats (id, total_nfts, total_users, total_transactions, total_volume, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_nfts = excluded.total_nfts,
			total_users = excluded.total_users,
			total_transactions = excluded.total_transactions,
			total_volume = excluded.total_volume,
			last_updated = excluded.last_updated`,
		models.GlobalStatsID, int64(s.TotalNFTs), int64(s.TotalUsers), int64(s.TotalTransactions),
		bigText(s.TotalVolume), int64(s.LastUpdated))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save global stats", err.Error())
	}
	return nil
}

// IsEventProcessed reports whether the log at key was already folded in
func (r *entityRepo) IsEventProcessed(ctx context.Context, key models.EventKey) (bool, error) {
	var one int
	err := r.queryRow(ctx,
		`SELECT 1 FROM processed_events WHERE block_number = ? AND log_index = ?`,
		int64(key.BlockNumber), int64(key.LogIndex)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to check processed event", err.Error())
	}
	return true, nil
}

// MarkEventProcessed records key so redelivery becomes a no-op
func (r *entityRepo) MarkEventProcessed(ctx context.Context, key models.EventKey, kind models.EventKind, txHash string) error {
	err := r.exec(ctx, `
		INSERT INTO processed_events (block_number, log_index, event_name, transaction_hash, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		int64(key.BlockNumber), int64(key.LogIndex), string(kind), txHash, time.Now().Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark event processed", err.Error())
	}
	return nil
}
