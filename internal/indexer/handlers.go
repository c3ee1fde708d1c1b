package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// Status describes what a handler did with an event
type Status string

const (
	StatusApplied           Status = "applied"
	StatusSkippedMissingNFT Status = "skipped_missing_nft"
	StatusIgnored           Status = "ignored"
	StatusDuplicate         Status = "duplicate"
)

// Outcome is returned by every handler. StatsChanged tells the caller
// whether the GlobalStats it passed in must be persisted.
type Outcome struct {
	Status       Status `json:"status"`
	StatsChanged bool   `json:"statsChanged"`
}

// Default metadata for freshly minted tokens. Rich metadata lives behind tokenURI.
const (
	nftNamePrefix  = "NFT #"
	nftDescription = "NFT created on marketplace"
	nftImage       = ""
)

func handlerLogger() *logrus.Entry {
	return utils.ComponentLogger("handlers")
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func newTransaction(meta *models.EventMeta, txType models.TransactionType, nftID, userID string) *models.Transaction {
	txHash := meta.TxHash.Hex()
	return &models.Transaction{
		ID:              utils.LogScopedID(txHash, meta.LogIndex),
		Type:            txType,
		NFT:             nftID,
		User:            userID,
		GasUsed:         copyBig(meta.GasUsed),
		GasPrice:        copyBig(meta.GasPrice),
		BlockNumber:     meta.BlockNumber,
		BlockTimestamp:  meta.BlockTimestamp,
		TransactionHash: txHash,
		LogIndex:        meta.LogIndex,
	}
}

// Handle dispatches ev to its handler.
func Handle(ctx context.Context, store storage.EntityStore, stats *models.GlobalStats, ev models.ChainEvent) (Outcome, error) {
	switch e := ev.(type) {
	case *models.MintedEvent:
		return HandleMinted(ctx, store, stats, e)
	case *models.TransferredEvent:
		return HandleTransferred(ctx, store, stats, e)
	case *models.PriceUpdatedEvent:
		return HandlePriceUpdated(ctx, store, stats, e)
	case *models.RawTransferEvent:
		return HandleRawTransfer(ctx, store, stats, e)
	default:
		return Outcome{}, utils.NewAppError(utils.ErrCodeProcessing, "Unsupported event type", fmt.Sprintf("%T", ev))
	}
}

// HandleMinted creates the NFT, credits the creator and records a MINT
// transaction. A repeated token ID overwrites the existing NFT; the contract
// guarantees uniqueness.
func HandleMinted(ctx context.Context, store storage.EntityStore, stats *models.GlobalStats, ev *models.MintedEvent) (Outcome, error) {
	ts := ev.BlockTimestamp

	creator, err := ResolveUser(ctx, store, ev.Creator)
	if err != nil {
		return Outcome{}, err
	}
	if creator.Created {
		stats.TotalUsers++
	}

	user := creator.User
	user.TotalNFTsCreated++
	user.TotalNFTsOwned++
	user.TotalTransactions++
	user.Touch(ts)
	if err := store.SaveUser(ctx, user); err != nil {
		return Outcome{}, err
	}

	id := utils.TokenID(ev.TokenID)
	nft := &models.NFT{
		ID:          id,
		TokenID:     copyBig(ev.TokenID),
		Creator:     user.ID,
		Owner:       user.ID,
		TokenURI:    ev.TokenURI,
		Price:       copyBig(ev.Price),
		Name:        nftNamePrefix + id,
		Description: nftDescription,
		Image:       nftImage,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := store.SaveNFT(ctx, nft); err != nil {
		return Outcome{}, err
	}

	tx := newTransaction(&ev.EventMeta, models.TransactionMint, id, user.ID)
	tx.Price = copyBig(ev.Price)
	if err := store.SaveTransaction(ctx, tx); err != nil {
		return Outcome{}, err
	}

	stats.TotalNFTs++
	stats.TotalTransactions++
	if stats.TotalVolume == nil {
		stats.TotalVolume = new(big.Int)
	}
	stats.TotalVolume.Add(stats.TotalVolume, nft.Price)
	stats.LastUpdated = ts

	return Outcome{Status: StatusApplied, StatsChanged: true}, nil
}

// HandleTransferred moves an existing NFT to a new owner. Unknown tokens
// are skipped without any write.
func HandleTransferred(ctx context.Context, store storage.EntityStore, stats *models.GlobalStats, ev *models.TransferredEvent) (Outcome, error) {
	ts := ev.BlockTimestamp
	id := utils.TokenID(ev.TokenID)

	nft, err := store.GetNFT(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if nft == nil {
		return Outcome{Status: StatusSkippedMissingNFT}, nil
	}

	from, err := ResolveUser(ctx, store, ev.From)
	if err != nil {
		return Outcome{}, err
	}
	if from.Created {
		stats.TotalUsers++
	}

	if ev.From == ev.To {
		// One record plays both sides: ownership nets to zero.
		user := from.User
		user.TotalTransactions++
		user.Touch(ts)
		if err := store.SaveUser(ctx, user); err != nil {
			return Outcome{}, err
		}
	} else {
		to, err := ResolveUser(ctx, store, ev.To)
		if err != nil {
			return Outcome{}, err
		}
		if to.Created {
			stats.TotalUsers++
		}

		sender := from.User
		if sender.TotalNFTsOwned == 0 {
			handlerLogger().WithFields(logrus.Fields{
				"user":     sender.ID,
				"token_id": id,
				"block":    ev.BlockNumber,
			}).Warn("Sender owns no NFTs, keeping owned count at zero")
		} else {
			sender.TotalNFTsOwned--
		}
		sender.TotalTransactions++
		sender.LastTransactionAt = ts
		if err := store.SaveUser(ctx, sender); err != nil {
			return Outcome{}, err
		}

		receiver := to.User
		receiver.TotalNFTsOwned++
		receiver.TotalTransactions++
		receiver.Touch(ts)
		if err := store.SaveUser(ctx, receiver); err != nil {
			return Outcome{}, err
		}
	}

	fromID, toID := utils.AddressID(ev.From), utils.AddressID(ev.To)

	nft.Owner = toID
	nft.UpdatedAt = ts
	if err := store.SaveNFT(ctx, nft); err != nil {
		return Outcome{}, err
	}

	txHash := ev.TxHash.Hex()
	transfer := &models.Transfer{
		ID:              utils.LogScopedID(txHash, ev.LogIndex),
		NFT:             id,
		From:            fromID,
		To:              toID,
		BlockNumber:     ev.BlockNumber,
		BlockTimestamp:  ts,
		TransactionHash: txHash,
		GasUsed:         copyBig(ev.GasUsed),
		LogIndex:        ev.LogIndex,
	}
	if err := store.SaveTransfer(ctx, transfer); err != nil {
		return Outcome{}, err
	}

	tx := newTransaction(&ev.EventMeta, models.TransactionTransfer, id, fromID)
	tx.From = &fromID
	tx.To = &toID
	if err := store.SaveTransaction(ctx, tx); err != nil {
		return Outcome{}, err
	}

	stats.TotalTransactions++
	stats.LastUpdated = ts

	return Outcome{Status: StatusApplied, StatsChanged: true}, nil
}

// HandlePriceUpdated reprices an existing NFT. Volume is not affected.
func HandlePriceUpdated(ctx context.Context, store storage.EntityStore, stats *models.GlobalStats, ev *models.PriceUpdatedEvent) (Outcome, error) {
	id := utils.TokenID(ev.TokenID)

	nft, err := store.GetNFT(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if nft == nil {
		return Outcome{Status: StatusSkippedMissingNFT}, nil
	}

	nft.Price = copyBig(ev.NewPrice)
	nft.UpdatedAt = ev.BlockTimestamp
	if err := store.SaveNFT(ctx, nft); err != nil {
		return Outcome{}, err
	}

	tx := newTransaction(&ev.EventMeta, models.TransactionPriceUpdate, id, nft.Owner)
	tx.Price = copyBig(ev.NewPrice)
	if err := store.SaveTransaction(ctx, tx); err != nil {
		return Outcome{}, err
	}

	return Outcome{Status: StatusApplied}, nil
}

// HandleRawTransfer accepts the ERC-721 Transfer log and does nothing with
// it; NFTTransferred already carries the same ownership change.
func HandleRawTransfer(ctx context.Context, store storage.EntityStore, stats *models.GlobalStats, ev *models.RawTransferEvent) (Outcome, error) {
	return Outcome{Status: StatusIgnored}, nil
}
