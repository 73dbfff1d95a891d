package stream

import (
	"errors"
	"fmt"
	"math"

	"github.com/linluma/swapcandles/shared/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotSwap marks a message that is valid but carries no swap
	ErrNotSwap = errors.New("message is not a swap")

	// ErrTooFewTransfers marks a swap without both an input and an output leg
	ErrTooFewTransfers = errors.New("swap needs an input and an output transfer")

	// ErrInvalidPrice marks a swap whose amounts do not give a finite positive price
	ErrInvalidPrice = errors.New("swap price is zero or not finite")
)

// Decoder turns one provider's wire format into canonical swap events
type Decoder interface {
	// Name returns the provider name
	Name() models.ProviderName

	// SubscribeFrame builds the message that asks the server to stream a topic
	SubscribeFrame(topic string) ([]byte, error)

	// Decode parses one inbound message. Messages that are not swaps return ErrNotSwap.
	Decode(message []byte) ([]models.SwapEvent, error)
}

// transfer is one leg of a swap with a signed amount:
// positive flows into the pool (input), negative flows out (output)
type transfer struct {
	token  string
	amount decimal.Decimal
}

// buildSwap picks the input and output legs and derives price and volume
func buildSwap(signature string, timestamp int64, transfers []transfer) (models.SwapEvent, error) {
	if len(transfers) < 2 {
		return models.SwapEvent{}, ErrTooFewTransfers
	}

	var in, out *transfer
	for i := range transfers {
		t := &transfers[i]
		switch {
		case t.amount.IsPositive() && in == nil:
			in = t
		case t.amount.IsNegative() && out == nil:
			out = t
		}
	}
	if in == nil || out == nil {
		return models.SwapEvent{}, ErrTooFewTransfers
	}

	amountIn := in.amount.Abs()
	amountOut := out.amount.Abs()
	if amountIn.IsZero() {
		return models.SwapEvent{}, ErrInvalidPrice
	}

	price := amountOut.InexactFloat64() / amountIn.InexactFloat64()
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return models.SwapEvent{}, fmt.Errorf("%w: %s/%s", ErrInvalidPrice, amountOut, amountIn)
	}

	return models.SwapEvent{
		Signature: signature,
		Timestamp: timestamp,
		Price:     price,
		Volume:    amountIn.InexactFloat64(),
		TokenIn:   in.token,
		TokenOut:  out.token,
		AmountIn:  amountIn.InexactFloat64(),
		AmountOut: amountOut.InexactFloat64(),
	}, nil
}
