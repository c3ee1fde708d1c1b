package monitor

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

//go:embed marketplace_abi.json
var marketplaceABIJSON []byte

// MarketplaceABI returns the parsed event ABI of the marketplace contract.
func MarketplaceABI() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(marketplaceABIJSON))
}

// EventParser decodes marketplace logs into chain events
type EventParser struct {
	contractABI    abi.ABI
	byTopic        map[common.Hash]abi.Event
	logger         *logrus.Entry
	metricsManager *metrics.Manager
}

// NewEventParser creates a new event parser. metricsManager may be nil.
func NewEventParser(metricsManager *metrics.Manager) (*EventParser, error) {
	contractABI, err := MarketplaceABI()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to parse marketplace ABI", err.Error())
	}

	byTopic := make(map[common.Hash]abi.Event, len(contractABI.Events))
	for _, event := range contractABI.Events {
		byTopic[event.ID] = event
	}

	return &EventParser{
		contractABI:    contractABI,
		byTopic:        byTopic,
		logger:         utils.ComponentLogger("parser"),
		metricsManager: metricsManager,
	}, nil
}

// Topics returns the topic0 hashes of every known event
func (ep *EventParser) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(ep.byTopic))
	for _, name := range []string{"NFTMinted", "NFTTransferred", "PriceUpdated", "Transfer"} {
		topics = append(topics, ep.contractABI.Events[name].ID)
	}
	return topics
}

// ParseLog decodes a log. It returns (nil, nil) for logs whose topic0 is not
// a marketplace event. Block timestamp and gas fields are left for the caller.
func (ep *EventParser) ParseLog(log types.Log) (models.ChainEvent, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	event, ok := ep.byTopic[log.Topics[0]]
	if !ok {
		return nil, nil
	}

	args, err := ep.unpack(event, log)
	if err != nil {
		ep.recordDecodeFailure(event.Name)
		ep.logger.WithFields(logrus.Fields{
			"event":     event.Name,
			"tx_hash":   log.TxHash.Hex(),
			"log_index": log.Index,
		}).WithError(err).Error("Failed to decode log")
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Failed to decode "+event.Name,
			fmt.Sprintf("tx %s log %d: %v", log.TxHash.Hex(), log.Index, err))
	}

	meta := models.EventMeta{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}

	var ev models.ChainEvent
	switch models.EventKind(event.Name) {
	case models.KindMinted:
		ev = &models.MintedEvent{
			EventMeta: meta,
			TokenID:   args.bigInt("tokenId"),
			Creator:   args.address("creator"),
			TokenURI:  args.text("tokenURI"),
			Price:     args.bigInt("price"),
		}
	case models.KindTransferred:
		ev = &models.TransferredEvent{
			EventMeta: meta,
			TokenID:   args.bigInt("tokenId"),
			From:      args.address("from"),
			To:        args.address("to"),
		}
	case models.KindPriceUpdated:
		ev = &models.PriceUpdatedEvent{
			EventMeta: meta,
			TokenID:   args.bigInt("tokenId"),
			NewPrice:  args.bigInt("newPrice"),
		}
	case models.KindRawTransfer:
		ev = &models.RawTransferEvent{
			EventMeta: meta,
			From:      args.address("from"),
			To:        args.address("to"),
			TokenID:   args.bigInt("tokenId"),
		}
	default:
		return nil, nil
	}

	if args.err != nil {
		ep.recordDecodeFailure(event.Name)
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Failed to decode "+event.Name, args.err.Error())
	}

	return ev, nil
}

func (ep *EventParser) unpack(event abi.Event, log types.Log) (*decodedArgs, error) {
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}

	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return nil, err
	}

	if len(event.Inputs.NonIndexed()) > 0 {
		if err := ep.contractABI.UnpackIntoMap(values, event.Name, log.Data); err != nil {
			return nil, err
		}
	}

	return &decodedArgs{values: values}, nil
}

func (ep *EventParser) recordDecodeFailure(eventName string) {
	if ep.metricsManager != nil {
		ep.metricsManager.GetPrometheusMetrics().RecordDecodeFailure(eventName)
	}
}

// decodedArgs reads typed values out of an unpacked argument map, keeping the
// first type mismatch in err.
type decodedArgs struct {
	values map[string]interface{}
	err    error
}

func (d *decodedArgs) fail(name string, v interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("argument %s has unexpected type %T", name, v)
	}
}

func (d *decodedArgs) bigInt(name string) *big.Int {
	v, ok := d.values[name].(*big.Int)
	if !ok {
		d.fail(name, d.values[name])
		return nil
	}
	return v
}

func (d *decodedArgs) address(name string) common.Address {
	v, ok := d.values[name].(common.Address)
	if !ok {
		d.fail(name, d.values[name])
	}
	return v
}

func (d *decodedArgs) text(name string) string {
	v, ok := d.values[name].(string)
	if !ok {
		d.fail(name, d.values[name])
	}
	return v
}
