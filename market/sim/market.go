// Package sim provides a deterministic in-memory lending market used by the
// test suites and the local keeper daemon. Yield accrues through the price
// oracle: the collateral price appreciates at the supply rate and the debt
// index grows at the borrow rate, both as pure functions of the injected
// clock, so no background task ever advances state.
package sim

import (
	"context"
	"math/big"
	"sync"
	"time"

	"levstrat/market"
)

const secondsPerYear = 31_536_000

var (
	basisPoints = big.NewInt(10_000)
	wad         = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Market is a single-strategy lending market simulator.
type Market struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time

	baseCollateralPrice *big.Int
	baseDebtPrice       *big.Int
	supplyRateBps       uint64
	borrowRateBps       uint64

	// borrowLiquidity caps the underlying the pool can hand out across
	// borrows and withdrawals; nil means unbounded.
	borrowLiquidity *big.Int
	// withdrawLimit caps a single collateral withdrawal; nil means unbounded.
	// Used to exercise partial-fill behavior.
	withdrawLimit *big.Int
	unavailable   bool

	collateralUnits *big.Int
	scaledDebt      *big.Int
}

// New constructs a simulator anchored at the clock's current reading with
// unit prices and no yield.
func New(now func() time.Time) *Market {
	if now == nil {
		now = time.Now
	}
	return &Market{
		now:                 now,
		start:               now(),
		baseCollateralPrice: new(big.Int).Set(wad),
		baseDebtPrice:       new(big.Int).Set(wad),
		collateralUnits:     big.NewInt(0),
		scaledDebt:          big.NewInt(0),
	}
}

// SetRates configures the annualized supply and borrow rates in basis points.
func (m *Market) SetRates(supplyBps, borrowBps uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supplyRateBps = supplyBps
	m.borrowRateBps = borrowBps
}

// SetCollateralPrice overrides the base collateral price (1e18 scale).
func (m *Market) SetCollateralPrice(price *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCollateralPrice = new(big.Int).Set(price)
}

// SetDebtPrice overrides the base debt index (1e18 scale).
func (m *Market) SetDebtPrice(price *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseDebtPrice = new(big.Int).Set(price)
}

// SetBorrowLiquidity caps the underlying available to borrows and
// withdrawals. Nil removes the cap.
func (m *Market) SetBorrowLiquidity(amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil {
		m.borrowLiquidity = nil
		return
	}
	m.borrowLiquidity = new(big.Int).Set(amount)
}

// SetWithdrawLimit caps single collateral withdrawals so partial fills can be
// exercised. Nil removes the cap.
func (m *Market) SetWithdrawLimit(amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil {
		m.withdrawLimit = nil
		return
	}
	m.withdrawLimit = new(big.Int).Set(amount)
}

// SetUnavailable toggles the transient outage flag; every adapter call fails
// with market.ErrMarketUnavailable while set.
func (m *Market) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Supplied returns the collateral units held for the strategy.
func (m *Market) Supplied() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.collateralUnits)
}

// Borrowed returns the scaled debt units owed by the strategy.
func (m *Market) Borrowed() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.scaledDebt)
}

// Supply implements market.Adapter.
func (m *Market) Supply(_ context.Context, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return market.ErrMarketUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	price := m.collateralPriceAt(m.now())
	m.collateralUnits.Add(m.collateralUnits, wadDiv(amount, price))
	if m.borrowLiquidity != nil {
		m.borrowLiquidity.Add(m.borrowLiquidity, amount)
	}
	return nil
}

// WithdrawCollateral implements market.Adapter. The request is filled up to
// the per-call limit, the pool's liquidity and the strategy's own holdings.
func (m *Market) WithdrawCollateral(_ context.Context, amount *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, market.ErrMarketUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	price := m.collateralPriceAt(m.now())
	held := wadMul(m.collateralUnits, price)
	fill := new(big.Int).Set(amount)
	if fill.Cmp(held) > 0 {
		fill.Set(held)
	}
	if m.withdrawLimit != nil && fill.Cmp(m.withdrawLimit) > 0 {
		fill.Set(m.withdrawLimit)
	}
	if m.borrowLiquidity != nil && fill.Cmp(m.borrowLiquidity) > 0 {
		fill.Set(m.borrowLiquidity)
	}
	if fill.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	units := wadDiv(fill, price)
	m.collateralUnits.Sub(m.collateralUnits, units)
	if m.collateralUnits.Sign() < 0 {
		m.collateralUnits.SetInt64(0)
	}
	if m.borrowLiquidity != nil {
		m.borrowLiquidity.Sub(m.borrowLiquidity, fill)
	}
	return fill, nil
}

// Borrow implements market.Adapter.
func (m *Market) Borrow(_ context.Context, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return market.ErrMarketUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if m.borrowLiquidity != nil && amount.Cmp(m.borrowLiquidity) > 0 {
		return market.ErrInsufficientLiquidity
	}
	index := m.debtPriceAt(m.now())
	m.scaledDebt.Add(m.scaledDebt, wadDiv(amount, index))
	if m.borrowLiquidity != nil {
		m.borrowLiquidity.Sub(m.borrowLiquidity, amount)
	}
	return nil
}

// Repay implements market.Adapter.
func (m *Market) Repay(_ context.Context, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return market.ErrMarketUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	index := m.debtPriceAt(m.now())
	m.scaledDebt.Sub(m.scaledDebt, wadDiv(amount, index))
	if m.scaledDebt.Sign() < 0 {
		m.scaledDebt.SetInt64(0)
	}
	if m.borrowLiquidity != nil {
		m.borrowLiquidity.Add(m.borrowLiquidity, amount)
	}
	return nil
}

// PriceOf implements market.Adapter.
func (m *Market) PriceOf(_ context.Context, asset market.Asset) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, market.ErrMarketUnavailable
	}
	switch asset {
	case market.AssetCollateral:
		return m.collateralPriceAt(m.now()), nil
	case market.AssetDebt:
		return m.debtPriceAt(m.now()), nil
	default:
		return nil, market.ErrMarketUnavailable
	}
}

func (m *Market) collateralPriceAt(now time.Time) *big.Int {
	return grow(m.baseCollateralPrice, m.supplyRateBps, now.Sub(m.start))
}

func (m *Market) debtPriceAt(now time.Time) *big.Int {
	return grow(m.baseDebtPrice, m.borrowRateBps, now.Sub(m.start))
}

// grow applies simple (non-compounding) annualized growth to a base price.
func grow(base *big.Int, rateBps uint64, elapsed time.Duration) *big.Int {
	price := new(big.Int).Set(base)
	if rateBps == 0 || elapsed <= 0 {
		return price
	}
	seconds := big.NewInt(int64(elapsed / time.Second))
	delta := new(big.Int).Mul(base, new(big.Int).SetUint64(rateBps))
	delta.Mul(delta, seconds)
	delta.Quo(delta, new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear)))
	return price.Add(price, delta)
}

func wadMul(a, b *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, wad)
}

func wadDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, wad)
	return numerator.Quo(numerator, b)
}
