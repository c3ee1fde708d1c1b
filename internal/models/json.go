package models

import (
	"encoding/json"
	"math/big"
)

// Wei amounts go out as decimal strings; JSON numbers lose precision past 2^53.

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalDecimal(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func (n NFT) MarshalJSON() ([]byte, error) {
	type alias NFT
	return json.Marshal(struct {
		alias
		TokenID string `json:"tokenId"`
		Price   string `json:"price"`
	}{alias(n), decimal(n.TokenID), decimal(n.Price)})
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(struct {
		alias
		Price    *string `json:"price,omitempty"`
		GasUsed  string  `json:"gasUsed"`
		GasPrice string  `json:"gasPrice"`
	}{alias(t), optionalDecimal(t.Price), decimal(t.GasUsed), decimal(t.GasPrice)})
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	type alias Transfer
	return json.Marshal(struct {
		alias
		GasUsed string `json:"gasUsed"`
	}{alias(t), decimal(t.GasUsed)})
}

func (s GlobalStats) MarshalJSON() ([]byte, error) {
	type alias GlobalStats
	return json.Marshal(struct {
		alias
		TotalVolume string `json:"totalVolume"`
	}{alias(s), decimal(s.TotalVolume)})
}

// eventMetaJSON overrides the gas fields of an embedded EventMeta.
type eventMetaJSON struct {
	GasUsed  string `json:"gasUsed"`
	GasPrice string `json:"gasPrice"`
}

func metaJSON(m EventMeta) eventMetaJSON {
	return eventMetaJSON{GasUsed: decimal(m.GasUsed), GasPrice: decimal(m.GasPrice)}
}

func (e MintedEvent) MarshalJSON() ([]byte, error) {
	type alias MintedEvent
	return json.Marshal(struct {
		alias
		eventMetaJSON
		TokenID string `json:"tokenId"`
		Price   string `json:"price"`
	}{alias(e), metaJSON(e.EventMeta), decimal(e.TokenID), decimal(e.Price)})
}

func (e TransferredEvent) MarshalJSON() ([]byte, error) {
	type alias TransferredEvent
	return json.Marshal(struct {
		alias
		eventMetaJSON
		TokenID string `json:"tokenId"`
	}{alias(e), metaJSON(e.EventMeta), decimal(e.TokenID)})
}

func (e PriceUpdatedEvent) MarshalJSON() ([]byte, error) {
	type alias PriceUpdatedEvent
	return json.Marshal(struct {
		alias
		eventMetaJSON
		TokenID  string `json:"tokenId"`
		NewPrice string `json:"newPrice"`
	}{alias(e), metaJSON(e.EventMeta), decimal(e.TokenID), decimal(e.NewPrice)})
}

func (e RawTransferEvent) MarshalJSON() ([]byte, error) {
	type alias RawTransferEvent
	return json.Marshal(struct {
		alias
		eventMetaJSON
		TokenID string `json:"tokenId"`
	}{alias(e), metaJSON(e.EventMeta), decimal(e.TokenID)})
}
