package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/types"
)

// OrderRequest is one order as handed to the broker. Exactly one of Quantity
// and Notional is positive: a notional order lets the broker compute the
// share count.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Quantity      decimal.Decimal
	Notional      decimal.Decimal
}

// IsNotional reports whether the request is priced by currency amount.
func (r OrderRequest) IsNotional() bool {
	return r.Notional.IsPositive()
}

// OrderStatus is the broker's authoritative view of one order.
type OrderStatus struct {
	BrokerOrderID  string
	State          types.OrderState
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Reason         string
}

// Gateway is the broker surface the orchestrator consumes. Implementations
// are unreliable, rate-limited and eventually consistent: every call may fail
// transiently, and classified errors (types.BrokerError) tell the caller
// whether a retry is worthwhile.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
	GetPosition(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBuyingPower(ctx context.Context) (decimal.Decimal, error)
	GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
}
