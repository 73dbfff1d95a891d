package models

// ProviderName identifies the push feed a swap event came from
type ProviderName string

// Supported swap feeds
const (
	ProviderDelta   ProviderName = "delta"
	ProviderBirdeye ProviderName = "birdeye"
)

// SwapEvent represents a normalized swap from any provider.
// Timestamp is kept in the unit the provider sent (seconds or milliseconds).
type SwapEvent struct {
	Signature string  `json:"signature"`
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	TokenIn   string  `json:"token_in"`
	TokenOut  string  `json:"token_out"`
	AmountIn  float64 `json:"amount_in"`
	AmountOut float64 `json:"amount_out"`
}

// TokenPair is the pair a chart tracks. Prices are quoted as Quote per Base.
type TokenPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Matches reports whether the swap exchanged exactly the two tokens of the pair,
// in either direction.
func (p TokenPair) Matches(tokenIn, tokenOut string) bool {
	return (tokenIn == p.Base && tokenOut == p.Quote) || (tokenIn == p.Quote && tokenOut == p.Base)
}

// Reversed reports whether a swap from tokenIn to tokenOut runs against the
// pair orientation, i.e. its price is Base per Quote.
func (p TokenPair) Reversed(tokenIn, tokenOut string) bool {
	return tokenIn == p.Quote && tokenOut == p.Base
}

func (p TokenPair) String() string {
	return p.Base + "-" + p.Quote
}
