package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is a consistent snapshot of the strategy's observable state, taken
// under the engine lock with a single market price read.
type Status struct {
	TotalAssets       *big.Int
	TotalIdle         *big.Int
	TotalDebt         *big.Int
	TotalSupply       *big.Int
	PricePerShare     *big.Int
	LockedProfit      *big.Int
	SuppliedValue     *big.Int
	BorrowedValue     *big.Int
	LiveCollatRatio   *big.Int
	TargetCollatRatio *big.Int
	State             RebalanceState
	Shutdown          bool
	LastReport        time.Time
}

// TotalAssets returns the accounted assets: idle plus deployed valuation.
func (e *Engine) TotalAssets() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Add(e.totalIdle, e.totalDebt)
}

// TotalIdle returns the accounted uninvested balance.
func (e *Engine) TotalIdle() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBig(e.totalIdle)
}

// TotalDebt returns the accounted deployed valuation.
func (e *Engine) TotalDebt() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBig(e.totalDebt)
}

// TotalSupply returns the share supply.
func (e *Engine) TotalSupply() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBig(e.totalSupply)
}

// BalanceOf returns the share balance of a holder.
func (e *Engine) BalanceOf(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	bal, ok := e.balances[addr]
	if !ok {
		return big.NewInt(0)
	}
	return cloneBig(bal)
}

// PricePerShare returns the value of one 1e18-unit share in underlying terms,
// discounted by the still-locked profit.
func (e *Engine) PricePerShare() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pricePerShare(e.lockedNow())
}

func (e *Engine) pricePerShare(locked *big.Int) *big.Int {
	if e.totalSupply.Sign() == 0 {
		return cloneBig(wad)
	}
	price := new(big.Int).Mul(e.netAssets(locked), wad)
	return price.Quo(price, e.totalSupply)
}

// CurrentLockedProfit returns the profit still excluded from the share price.
func (e *Engine) CurrentLockedProfit() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockedNow()
}

// ProfitMaxUnlockTime returns the profit unlock window.
func (e *Engine) ProfitMaxUnlockTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.ProfitMaxUnlockTime
}

// PerformanceFeeBps returns the current performance fee.
func (e *Engine) PerformanceFeeBps() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.PerformanceFeeBps
}

// KeeperAddress returns the principal authorized to run reports.
func (e *Engine) KeeperAddress() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Keeper
}

// TargetCollatRatio returns the configured target ratio, 1e18 scale.
func (e *Engine) TargetCollatRatio() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBig(e.cfg.TargetCollatRatio)
}

// LiveCollatRatio marks the position to market and returns borrowed value
// over supplied value, 1e18 scale. Zero for a flat position.
func (e *Engine) LiveCollatRatio(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position.Empty() {
		return big.NewInt(0), nil
	}
	prices, err := fetchPrices(ctx, e.adapter)
	if err != nil {
		return nil, err
	}
	return ratioWad(prices.suppliedValue(e.position), prices.borrowedValue(e.position)), nil
}

// LivePosition returns the mark-to-market supplied and borrowed values in
// underlying terms.
func (e *Engine) LivePosition(ctx context.Context) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prices, err := fetchPrices(ctx, e.adapter)
	if err != nil {
		return nil, nil, err
	}
	return prices.suppliedValue(e.position), prices.borrowedValue(e.position), nil
}

// EstimatedTotalAssets marks the position to market.
func (e *Engine) EstimatedTotalAssets(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prices, err := fetchPrices(ctx, e.adapter)
	if err != nil {
		return nil, err
	}
	return prices.estimatedAssets(e.position), nil
}

// Status assembles a consistent snapshot for operators and metrics.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	locked := e.lockedNow()
	st := Status{
		TotalAssets:       new(big.Int).Add(e.totalIdle, e.totalDebt),
		TotalIdle:         cloneBig(e.totalIdle),
		TotalDebt:         cloneBig(e.totalDebt),
		TotalSupply:       cloneBig(e.totalSupply),
		PricePerShare:     e.pricePerShare(locked),
		LockedProfit:      locked,
		SuppliedValue:     big.NewInt(0),
		BorrowedValue:     big.NewInt(0),
		LiveCollatRatio:   big.NewInt(0),
		TargetCollatRatio: cloneBig(e.cfg.TargetCollatRatio),
		Shutdown:          e.shutdown,
		LastReport:        e.lock.LastReport,
	}
	if !e.position.Empty() {
		prices, err := fetchPrices(ctx, e.adapter)
		if err != nil {
			return Status{}, err
		}
		st.SuppliedValue = prices.suppliedValue(e.position)
		st.BorrowedValue = prices.borrowedValue(e.position)
		st.LiveCollatRatio = ratioWad(st.SuppliedValue, st.BorrowedValue)
	}
	state, err := e.rebalanceState(ctx)
	if err != nil {
		return Status{}, err
	}
	st.State = state
	return st, nil
}
