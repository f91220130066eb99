package market

import (
	"context"
	"errors"
	"math/big"
)

// Asset identifies one leg of a leveraged position when quoting prices.
type Asset string

const (
	// AssetCollateral is the interest-bearing asset held in the market on the
	// strategy's behalf. It is usually a wrapped derivative of the underlying
	// whose price drifts with accrued supply yield.
	AssetCollateral Asset = "collateral"
	// AssetDebt is the borrow-side unit. Its price is the cumulative borrow
	// index, so scaled debt units multiplied by it yield the amount owed in
	// underlying terms.
	AssetDebt Asset = "debt"
)

var (
	// ErrMarketUnavailable signals a transient market outage. The strategy
	// core propagates it unchanged; retry policy belongs to the keeper.
	ErrMarketUnavailable = errors.New("market: unavailable")
	// ErrInsufficientLiquidity is returned when the market cannot honour a
	// borrow or a collateral withdrawal at the requested size.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")
)

// Adapter is the capability surface a strategy needs from an external lending
// market. Amounts are denominated in the smallest unit of the underlying
// asset and expressed as big integers to match on-chain precision.
type Adapter interface {
	// Supply deposits underlying into the market as collateral.
	Supply(ctx context.Context, amount *big.Int) error
	// WithdrawCollateral releases collateral back to the caller, valued in
	// underlying terms. The market may fill the request partially; the amount
	// actually freed is returned.
	WithdrawCollateral(ctx context.Context, amount *big.Int) (*big.Int, error)
	// Borrow draws underlying against the supplied collateral.
	Borrow(ctx context.Context, amount *big.Int) error
	// Repay settles outstanding borrow principal in underlying terms.
	Repay(ctx context.Context, amount *big.Int) error
	// PriceOf quotes one unit of the asset in underlying terms as a 1e18
	// fixed-point value.
	PriceOf(ctx context.Context, asset Asset) (*big.Int, error)
}
