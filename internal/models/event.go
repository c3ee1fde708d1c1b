package models

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a decoded marketplace event
type EventKind string

const (
	KindMinted       EventKind = "NFTMinted"
	KindTransferred  EventKind = "NFTTransferred"
	KindPriceUpdated EventKind = "PriceUpdated"
	KindRawTransfer  EventKind = "Transfer"
)

// EventKey identifies a log within the chain. Delivery order is ascending by key.
type EventKey struct {
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint   `json:"logIndex"`
}

// Less reports whether k sorts before o.
func (k EventKey) Less(o EventKey) bool {
	if k.BlockNumber != o.BlockNumber {
		return k.BlockNumber < o.BlockNumber
	}
	return k.LogIndex < o.LogIndex
}

func (k EventKey) String() string {
	return fmt.Sprintf("%d:%d", k.BlockNumber, k.LogIndex)
}

// EventMeta is the chain context attached to every event.
type EventMeta struct {
	BlockNumber    uint64      `json:"blockNumber"`
	BlockTimestamp uint64      `json:"blockTimestamp"`
	TxHash         common.Hash `json:"transactionHash"`
	LogIndex       uint        `json:"logIndex"`
	GasUsed        *big.Int    `json:"gasUsed"`
	GasPrice       *big.Int    `json:"gasPrice"`
}

// Meta returns the embedded metadata.
func (m *EventMeta) Meta() *EventMeta { return m }

// Key returns the ordering key of the event.
func (m *EventMeta) Key() EventKey {
	return EventKey{BlockNumber: m.BlockNumber, LogIndex: m.LogIndex}
}

// ChainEvent is the closed set of events the indexer understands.
// Implementations live in this package only.
type ChainEvent interface {
	Kind() EventKind
	Meta() *EventMeta
	Key() EventKey
	// Addresses lists the accounts the event touches.
	Addresses() []common.Address
	sealed()
}

// MintedEvent is emitted once when a token is created.
type MintedEvent struct {
	EventMeta
	TokenID  *big.Int       `json:"tokenId"`
	Creator  common.Address `json:"creator"`
	TokenURI string         `json:"tokenURI"`
	Price    *big.Int       `json:"price"`
}

func (*MintedEvent) Kind() EventKind { return KindMinted }
func (e *MintedEvent) Addresses() []common.Address {
	return []common.Address{e.Creator}
}
func (*MintedEvent) sealed() {}

// TransferredEvent is the marketplace's own ownership change event.
type TransferredEvent struct {
	EventMeta
	TokenID *big.Int       `json:"tokenId"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
}

func (*TransferredEvent) Kind() EventKind { return KindTransferred }
func (e *TransferredEvent) Addresses() []common.Address {
	return []common.Address{e.From, e.To}
}
func (*TransferredEvent) sealed() {}

// PriceUpdatedEvent changes the listed price of a token.
type PriceUpdatedEvent struct {
	EventMeta
	TokenID  *big.Int `json:"tokenId"`
	NewPrice *big.Int `json:"newPrice"`
}

func (*PriceUpdatedEvent) Kind() EventKind             { return KindPriceUpdated }
func (*PriceUpdatedEvent) Addresses() []common.Address { return nil }
func (*PriceUpdatedEvent) sealed()                     {}

// RawTransferEvent is the standard ERC-721 Transfer log.
type RawTransferEvent struct {
	EventMeta
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID *big.Int       `json:"tokenId"`
}

func (*RawTransferEvent) Kind() EventKind { return KindRawTransfer }
func (e *RawTransferEvent) Addresses() []common.Address {
	return []common.Address{e.From, e.To}
}
func (*RawTransferEvent) sealed() {}
