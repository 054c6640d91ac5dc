package fractional

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/broker"
	"github.com/quantrail/rebalance-api/internal/types"
)

// Leveraged and inverse products, and ETNs, commonly reject fractional share
// quantities. The classifier is a prediction, not a guarantee: a symbol it
// misses is caught by the broker rejection and handled by the fallback.
var knownNonFractionable = map[string]bool{
	"TQQQ": true, "SQQQ": true, "QLD": true, "QID": true,
	"UPRO": true, "SPXU": true, "SSO": true, "SDS": true,
	"SOXL": true, "SOXS": true, "LABU": true, "LABD": true,
	"TNA": true, "TZA": true, "FAS": true, "FAZ": true,
	"UVXY": true, "SVXY": true, "VIXY": true, "VXX": true,
	"UDOW": true, "SDOW": true, "TMF": true, "TMV": true,
	"NUGT": true, "DUST": true, "JNUG": true, "JDST": true,
}

var nonFractionableSuffixes = []string{"3X", "2X"}

// Resolver decides whether an intent is expressed as a quantity order or a
// notional order, and produces the one-shot fallback after a fractional
// rejection.
type Resolver struct {
	extra map[string]bool // additional symbols from configuration
}

// NewResolver returns a resolver; extraSymbols extends the built-in
// non-fractionable classifier.
func NewResolver(extraSymbols ...string) *Resolver {
	extra := make(map[string]bool, len(extraSymbols))
	for _, s := range extraSymbols {
		extra[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return &Resolver{extra: extra}
}

// LikelyNonFractionable predicts whether the instrument rejects fractional
// quantities.
func (r *Resolver) LikelyNonFractionable(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	if knownNonFractionable[symbol] || r.extra[symbol] {
		return true
	}
	for _, suffix := range nonFractionableSuffixes {
		if strings.HasSuffix(symbol, suffix) {
			return true
		}
	}
	return false
}

// Resolve turns an intent into a broker order request. BUY intents with a
// fractional quantity on a likely non-fractionable symbol are expressed as a
// notional order so the broker computes whole shares; everything else is a
// plain quantity order. price is the current ask used to compute the
// notional.
func (r *Resolver) Resolve(intent types.TradeIntent, price decimal.Decimal) broker.OrderRequest {
	req := broker.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
	}

	if intent.Notional.IsPositive() {
		req.Quantity = decimal.Zero
		req.Notional = intent.Notional
		return req
	}

	fractionalQty := !intent.Quantity.Equal(intent.Quantity.Truncate(0))
	if intent.Side == types.SideBuy && fractionalQty && r.LikelyNonFractionable(intent.Symbol) {
		notional := intent.Quantity.Mul(price).Round(2)
		log.Info().
			Str("symbol", intent.Symbol).
			Str("quantity", intent.Quantity.String()).
			Str("notional", notional.String()).
			Msg("expressing buy as notional order for non-fractionable symbol")
		req.Quantity = decimal.Zero
		req.Notional = notional
	}

	return req
}

// Fallback adjusts a quantity order after a fractional rejection: the
// quantity is rounded to the nearest whole share, rounding down on sells so
// the order can never exceed the held position. Returns false when no retry
// is possible (already whole, notional, or rounds to zero); the caller then
// records the rejection as terminal.
func (r *Resolver) Fallback(req broker.OrderRequest) (broker.OrderRequest, bool) {
	if req.IsNotional() {
		return req, false
	}

	whole := req.Quantity.Round(0)
	if req.Side == types.SideSell {
		whole = req.Quantity.Truncate(0)
	}

	if whole.Equal(req.Quantity) || !whole.IsPositive() {
		return req, false
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("from", req.Quantity.String()).
		Str("to", whole.String()).
		Msg("retrying rejected fractional order with whole shares")

	req.Quantity = whole
	return req, true
}
