package models

import (
	"math/big"
)

// GlobalStatsID is the fixed ID of the marketplace-wide statistics record.
const GlobalStatsID = "global"

// TransactionType classifies a Transaction record
type TransactionType string

const (
	TransactionMint        TransactionType = "MINT"
	TransactionTransfer    TransactionType = "TRANSFER"
	TransactionPriceUpdate TransactionType = "PRICE_UPDATE"
)

// User is the per-wallet aggregate, keyed by lowercase hex address.
type User struct {
	ID                 string `json:"id" db:"id"`
	Address            string `json:"address" db:"address"`
	TotalNFTsCreated   uint64 `json:"totalNFTsCreated" db:"total_nfts_created"`
	TotalNFTsOwned     uint64 `json:"totalNFTsOwned" db:"total_nfts_owned"`
	TotalTransactions  uint64 `json:"totalTransactions" db:"total_transactions"`
	FirstTransactionAt uint64 `json:"firstTransactionAt" db:"first_transaction_at"`
	LastTransactionAt  uint64 `json:"lastTransactionAt" db:"last_transaction_at"`
}

// NewUser returns a zero-initialized user for address.
func NewUser(address string) *User {
	return &User{ID: address, Address: address}
}

// Touch records activity at timestamp, setting the first-seen time once.
func (u *User) Touch(timestamp uint64) {
	if u.FirstTransactionAt == 0 {
		u.FirstTransactionAt = timestamp
	}
	u.LastTransactionAt = timestamp
}

// NFT is a minted token. Creator never changes after mint.
type NFT struct {
	ID          string   `json:"id" db:"id"`
	TokenID     *big.Int `json:"tokenId" db:"token_id"`
	Creator     string   `json:"creator" db:"creator"`
	Owner       string   `json:"owner" db:"owner"`
	TokenURI    string   `json:"tokenURI" db:"token_uri"`
	Price       *big.Int `json:"price" db:"price"`
	Name        string   `json:"name" db:"name"`
	Description string   `json:"description" db:"description"`
	Image       string   `json:"image" db:"image"`
	CreatedAt   uint64   `json:"createdAt" db:"created_at"`
	UpdatedAt   uint64   `json:"updatedAt" db:"updated_at"`
}

// Transaction is an immutable ledger entry for one handled event.
type Transaction struct {
	ID              string          `json:"id" db:"id"`
	Type            TransactionType `json:"type" db:"type"`
	NFT             string          `json:"nft" db:"nft"`
	User            string          `json:"user" db:"user_id"`
	From            *string         `json:"from,omitempty" db:"from_user"`
	To              *string         `json:"to,omitempty" db:"to_user"`
	Price           *big.Int        `json:"price,omitempty" db:"price"`
	GasUsed         *big.Int        `json:"gasUsed" db:"gas_used"`
	GasPrice        *big.Int        `json:"gasPrice" db:"gas_price"`
	BlockNumber     uint64          `json:"blockNumber" db:"block_number"`
	BlockTimestamp  uint64          `json:"blockTimestamp" db:"block_timestamp"`
	TransactionHash string          `json:"transactionHash" db:"transaction_hash"`
	LogIndex        uint            `json:"logIndex" db:"log_index"`
}

// Transfer records one ownership change of an NFT.
type Transfer struct {
	ID              string   `json:"id" db:"id"`
	NFT             string   `json:"nft" db:"nft"`
	From            string   `json:"from" db:"from_user"`
	To              string   `json:"to" db:"to_user"`
	BlockNumber     uint64   `json:"blockNumber" db:"block_number"`
	BlockTimestamp  uint64   `json:"blockTimestamp" db:"block_timestamp"`
	TransactionHash string   `json:"transactionHash" db:"transaction_hash"`
	GasUsed         *big.Int `json:"gasUsed" db:"gas_used"`
	LogIndex        uint     `json:"logIndex" db:"log_index"`
}

// GlobalStats holds the marketplace-wide running counters.
type GlobalStats struct {
	ID                string   `json:"id" db:"id"`
	TotalNFTs         uint64   `json:"totalNFTs" db:"total_nfts"`
	TotalUsers        uint64   `json:"totalUsers" db:"total_users"`
	TotalTransactions uint64   `json:"totalTransactions" db:"total_transactions"`
	TotalVolume       *big.Int `json:"totalVolume" db:"total_volume"`
	LastUpdated       uint64   `json:"lastUpdated" db:"last_updated"`
}

// NewGlobalStats returns the zero statistics record.
func NewGlobalStats() *GlobalStats {
	return &GlobalStats{ID: GlobalStatsID, TotalVolume: new(big.Int)}
}

// Clone returns a deep copy, so callers can compare before and after a handler.
func (s *GlobalStats) Clone() *GlobalStats {
	c := *s
	c.TotalVolume = new(big.Int)
	if s.TotalVolume != nil {
		c.TotalVolume.Set(s.TotalVolume)
	}
	return &c
}
