package stream

import (
	"encoding/json"
	"fmt"

	"github.com/linluma/swapcandles/shared/models"
	"github.com/shopspring/decimal"
)

// BirdeyeLeg is one side of a Birdeye swap
type BirdeyeLeg struct {
	Address  string          `json:"address"`
	Symbol   string          `json:"symbol"`
	UIAmount decimal.Decimal `json:"uiAmount"`
}

// BirdeyeMessage represents a message from the Birdeye WebSocket
type BirdeyeMessage struct {
	Type string `json:"type"`
	Data struct {
		TxHash        string     `json:"txHash"`
		BlockUnixTime int64      `json:"blockUnixTime"`
		Source        string     `json:"source"`
		From          BirdeyeLeg `json:"from"`
		To            BirdeyeLeg `json:"to"`
	} `json:"data"`
}

// BirdeyeDecoder decodes Birdeye transaction streams
type BirdeyeDecoder struct{}

// NewBirdeyeDecoder creates a Birdeye decoder
func NewBirdeyeDecoder() *BirdeyeDecoder {
	return &BirdeyeDecoder{}
}

// Name returns the provider name
func (d *BirdeyeDecoder) Name() models.ProviderName {
	return models.ProviderBirdeye
}

// SubscribeFrame subscribes to transactions for a token address
func (d *BirdeyeDecoder) SubscribeFrame(topic string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "SUBSCRIBE_TXS",
		"data": map[string]string{
			"queryType": "simple",
			"address":   topic,
		},
	})
}

// Decode converts a TXS_DATA message. The from leg is what the trader paid in.
func (d *BirdeyeDecoder) Decode(message []byte) ([]models.SwapEvent, error) {
	var msg BirdeyeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal birdeye message: %w", err)
	}

	// Skip welcome, pong and subscription messages
	if msg.Type != "TXS_DATA" {
		return nil, ErrNotSwap
	}

	data := msg.Data
	var transfers []transfer
	if data.From.Address != "" {
		transfers = append(transfers, transfer{token: data.From.Address, amount: data.From.UIAmount.Abs()})
	}
	if data.To.Address != "" {
		transfers = append(transfers, transfer{token: data.To.Address, amount: data.To.UIAmount.Abs().Neg()})
	}

	event, err := buildSwap(data.TxHash, data.BlockUnixTime, transfers)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", data.TxHash, err)
	}
	return []models.SwapEvent{event}, nil
}
