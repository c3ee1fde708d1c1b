package indexer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// ValidationError describes one rejected field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateEvent rejects events whose payload could not have come from the
// marketplace contract. Nothing is written for a rejected event.
func ValidateEvent(ev models.ChainEvent) error {
	if ev == nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Event validation failed", "event is nil")
	}

	var errs []*ValidationError
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, &ValidationError{Field: field, Message: msg})
		}
	}

	meta := ev.Meta()
	check(meta.TxHash != (common.Hash{}), "transactionHash", "must not be empty")
	check(nonNegative(meta.GasUsed), "gasUsed", "must not be negative")
	check(nonNegative(meta.GasPrice), "gasPrice", "must not be negative")

	switch e := ev.(type) {
	case *models.MintedEvent:
		check(e.TokenID != nil && e.TokenID.Sign() >= 0, "tokenId", "must be a non-negative integer")
		check(nonNegative(e.Price), "price", "must not be negative")
	case *models.TransferredEvent:
		check(e.TokenID != nil && e.TokenID.Sign() >= 0, "tokenId", "must be a non-negative integer")
	case *models.PriceUpdatedEvent:
		check(e.TokenID != nil && e.TokenID.Sign() >= 0, "tokenId", "must be a non-negative integer")
		check(e.NewPrice != nil && e.NewPrice.Sign() >= 0, "newPrice", "must be a non-negative integer")
	case *models.RawTransferEvent:
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return utils.NewAppError(utils.ErrCodeValidation,
		fmt.Sprintf("Invalid %s event", ev.Kind()),
		strings.Join(msgs, "; "))
}

// nil counts as zero
func nonNegative(v *big.Int) bool {
	return v == nil || v.Sign() >= 0
}
