package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// AddressID returns the canonical entity ID for a chain address.
func AddressID(address common.Address) string {
	return strings.ToLower(address.Hex())
}

// TokenID returns the canonical entity ID for an on-chain token ID.
func TokenID(tokenID *big.Int) string {
	if tokenID == nil {
		return "0"
	}
	return tokenID.String()
}

// LogScopedID joins a transaction hash and log index into an ID that stays
// unique when one transaction emits several logs.
func LogScopedID(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(txHash), logIndex)
}

// ParseTokenID parses a decimal token ID as used in entity IDs.
func ParseTokenID(id string) (*big.Int, bool) {
	if id == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(id, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
