package stream

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/linluma/swapcandles/shared/models"
	"github.com/shopspring/decimal"
)

const deltaSwapMethod = "swapNotification"

// DeltaNotification is a JSON-RPC swap notification carrying signed
// per-token balance changes of the pool
type DeltaNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Signature string `json:"signature"`
			Timestamp int64  `json:"timestamp"`
			Transfers []struct {
				Mint   string `json:"mint"`
				Amount string `json:"amount"`
			} `json:"transfers"`
		} `json:"result"`
	} `json:"params"`
}

// DeltaDecoder decodes JSON-RPC swap notifications
type DeltaDecoder struct {
	requestID atomic.Int64
}

// NewDeltaDecoder creates a decoder for the JSON-RPC swap feed
func NewDeltaDecoder() *DeltaDecoder {
	return &DeltaDecoder{}
}

// Name returns the provider name
func (d *DeltaDecoder) Name() models.ProviderName {
	return models.ProviderDelta
}

// SubscribeFrame asks for swaps touching the given program or token
func (d *DeltaDecoder) SubscribeFrame(topic string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      d.requestID.Add(1),
		"method":  "swapSubscribe",
		"params":  []string{topic},
	})
}

// Decode converts a swap notification to a canonical swap event
func (d *DeltaDecoder) Decode(message []byte) ([]models.SwapEvent, error) {
	var n DeltaNotification
	if err := json.Unmarshal(message, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delta message: %w", err)
	}

	// Skip subscription acks and other methods
	if n.Method != deltaSwapMethod {
		return nil, ErrNotSwap
	}

	result := n.Params.Result
	transfers := make([]transfer, 0, len(result.Transfers))
	for _, t := range result.Transfers {
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %s for %s: %w", t.Amount, t.Mint, err)
		}
		transfers = append(transfers, transfer{token: t.Mint, amount: amount})
	}

	event, err := buildSwap(result.Signature, result.Timestamp, transfers)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", result.Signature, err)
	}
	return []models.SwapEvent{event}, nil
}
