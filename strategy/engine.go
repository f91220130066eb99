package strategy

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"levstrat/market"
)

// defaultMaxLossBps accepts any partial fill on redemption; callers with a
// tighter tolerance use RedeemWithLoss.
const defaultMaxLossBps = 10_000

// Engine is the aggregate root for a single-asset leveraged yield strategy.
// It owns the accounting ledger (idle and deployed totals, share supply), the
// leveraged position, the profit unlock schedule and the rebalance state.
// Every public operation executes as one atomic unit of work under an
// internal lock; a failed operation restores the pre-call ledger state.
type Engine struct {
	mu      sync.Mutex
	adapter market.Adapter
	cfg     Config
	now     func() time.Time

	// cash is the actual uninvested asset balance, totalIdle the accounted
	// portion of it. They differ only between a donation and the next report.
	cash      *big.Int
	totalIdle *big.Int
	totalDebt *big.Int

	position Position
	lock     ProfitLock

	totalSupply *big.Int
	balances    map[common.Address]*big.Int

	shutdown bool
}

// NewEngine constructs a strategy engine bound to a lending market adapter.
func NewEngine(adapter market.Adapter, cfg Config) (*Engine, error) {
	if adapter == nil {
		return nil, ErrInvalidParameter
	}
	cfg = cfg.clone()
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		adapter:     adapter,
		cfg:         cfg,
		now:         time.Now,
		cash:        big.NewInt(0),
		totalIdle:   big.NewInt(0),
		totalDebt:   big.NewInt(0),
		position:    Position{SuppliedUnits: big.NewInt(0), BorrowedUnits: big.NewInt(0)},
		totalSupply: big.NewInt(0),
		balances:    make(map[common.Address]*big.Int),
	}, nil
}

// SetClock overrides the engine's time source. All unlock math is a pure
// function of the timestamps this clock returns.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Deposit credits amount of underlying, mints shares to the receiver at the
// current share price (1:1 on the first deposit) and, when configured,
// deploys the idle balance straight into the leveraged position.
func (e *Engine) Deposit(ctx context.Context, amount *big.Int, receiver common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidParameter
	}
	if receiver == (common.Address{}) {
		return nil, ErrInvalidParameter
	}
	if e.shutdown {
		return nil, ErrShutdown
	}
	snap := e.snapshot()
	shares := e.sharesForAssets(amount, e.lockedNow())
	e.cash.Add(e.cash, amount)
	e.totalIdle.Add(e.totalIdle, amount)
	e.mint(receiver, shares)
	if e.cfg.DeployOnDeposit {
		if err := e.deployIdle(ctx); err != nil {
			e.restore(snap)
			return nil, err
		}
	}
	return shares, nil
}

// Donate records an asset transfer made directly to the strategy without
// minting shares. The balance stays unaccounted until the next report, which
// captures it as profit.
func (e *Engine) Donate(amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidParameter
	}
	e.cash.Add(e.cash, amount)
	return nil
}

// Report marks the strategy to market and settles the delta against the
// accounted baseline. Profit is reduced by the performance fee (minted as
// shares to the rewards address at the pre-fee share price) and the remainder
// is locked to unlock linearly over the configured window. A loss is never an
// error: it consumes locked profit first and then flows into the share price.
// Only the keeper and management principals may call it: every report restarts
// the unlock window, so an open report would let anyone re-lock profit at
// will.
func (e *Engine) Report(ctx context.Context, caller common.Address) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.cfg.Keeper && caller != e.cfg.Management {
		return nil, nil, ErrUnauthorized
	}

	prices, err := fetchPrices(ctx, e.adapter)
	if err != nil {
		return nil, nil, err
	}
	eta := prices.estimatedAssets(e.position)

	current := new(big.Int).Add(e.cash, eta)
	baseline := new(big.Int).Add(e.totalIdle, e.totalDebt)
	now := e.now()
	remaining := e.lock.CurrentLocked(now, e.cfg.ProfitMaxUnlockTime)

	profit := big.NewInt(0)
	loss := big.NewInt(0)
	switch current.Cmp(baseline) {
	case 1:
		profit = new(big.Int).Sub(current, baseline)
		fee := bpsOf(profit, e.cfg.PerformanceFeeBps)
		if fee.Sign() > 0 {
			e.mint(e.cfg.Rewards, e.sharesForAssets(fee, remaining))
		}
		locked := new(big.Int).Add(remaining, new(big.Int).Sub(profit, fee))
		e.lock = ProfitLock{Locked: locked, LastReport: now}
	case -1:
		loss = new(big.Int).Sub(baseline, current)
		locked := new(big.Int).Sub(remaining, loss)
		if locked.Sign() < 0 {
			locked = big.NewInt(0)
		}
		e.lock = ProfitLock{Locked: locked, LastReport: now}
	default:
		e.lock = ProfitLock{Locked: remaining, LastReport: now}
	}

	e.totalIdle = cloneBig(e.cash)
	e.totalDebt = eta
	return profit, loss, nil
}

// Redeem burns shares from the owner and pays out the corresponding assets,
// unwinding the position when the idle balance cannot cover the request. Any
// partial fill within the default loss tolerance is paid out as-is; the
// shortfall surfaces as a loss at the next report.
func (e *Engine) Redeem(ctx context.Context, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	return e.RedeemWithLoss(ctx, shares, receiver, owner, defaultMaxLossBps)
}

// RedeemWithLoss is Redeem with an explicit maximum acceptable loss for the
// request, in basis points of the redeemed value.
func (e *Engine) RedeemWithLoss(ctx context.Context, shares *big.Int, receiver, owner common.Address, maxLossBps uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if shares == nil || shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if shares.Sign() < 0 || receiver == (common.Address{}) {
		return nil, ErrInvalidParameter
	}
	bal, ok := e.balances[owner]
	if !ok || bal.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	snap := e.snapshot()
	assets := e.assetsForShares(shares, e.lockedNow())
	idleUsed := minBig(assets, e.totalIdle)
	shortfall := new(big.Int).Sub(assets, idleUsed)
	paidFromPosition := big.NewInt(0)

	if shortfall.Sign() > 0 {
		pos, freed, err := unwindPosition(ctx, e.adapter, e.position, shortfall, e.cfg)
		if err != nil {
			e.restore(snap)
			return nil, err
		}
		e.position = pos
		e.cash.Add(e.cash, freed)
		e.totalDebt.Sub(e.totalDebt, minBig(freed, e.totalDebt))
		paidFromPosition = minBig(freed, shortfall)
		if leftover := new(big.Int).Sub(freed, paidFromPosition); leftover.Sign() > 0 {
			e.totalIdle.Add(e.totalIdle, leftover)
		}
		unrealized := new(big.Int).Sub(shortfall, paidFromPosition)
		if unrealized.Sign() > 0 {
			if paidFromPosition.Sign() == 0 && idleUsed.Sign() == 0 {
				e.restore(snap)
				return nil, ErrInsufficientLiquidity
			}
			if unrealized.Cmp(bpsOf(assets, maxLossBps)) > 0 {
				e.restore(snap)
				return nil, ErrInsufficientLiquidity
			}
		}
	}

	paid := new(big.Int).Add(idleUsed, paidFromPosition)
	e.totalIdle.Sub(e.totalIdle, idleUsed)
	e.cash.Sub(e.cash, paid)
	e.burn(owner, shares)
	return paid, nil
}

// Tend rebalances the position toward the target collateral ratio without
// touching the idle balance. Repeated calls with unchanged market prices are
// no-ops after the first.
func (e *Engine) Tend(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrShutdown
	}
	state, err := e.rebalanceState(ctx)
	if err != nil {
		return err
	}
	snap := e.snapshot()
	var pos Position
	switch state {
	case NeedsIncrease:
		pos, err = leverUp(ctx, e.adapter, e.position, e.cfg)
	case NeedsDecrease:
		pos, err = leverDown(ctx, e.adapter, e.position, e.cfg)
	default:
		return nil
	}
	if err != nil {
		e.restore(snap)
		return err
	}
	e.position = pos
	return nil
}

// TendTrigger reports whether a keeper should call Tend. It is deliberately
// conservative: false when the position is flat, when the deviation from
// target sits inside the tolerance band, when the strategy is shut down, and
// when market prices cannot be read.
func (e *Engine) TendTrigger(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.rebalanceState(ctx)
	if err != nil {
		return false
	}
	return state == NeedsIncrease || state == NeedsDecrease
}

// SetPerformanceFee updates the performance fee. Management only; the fee is
// capped at 50%.
func (e *Engine) SetPerformanceFee(caller common.Address, bps uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.cfg.Management {
		return ErrUnauthorized
	}
	if bps > maxPerformanceFeeBps {
		return ErrInvalidParameter
	}
	e.cfg.PerformanceFeeBps = bps
	return nil
}

// SetEmergencyShutdown toggles the emergency override. While active, deposits
// and rebalancing are blocked and the tend trigger is forced false;
// redemptions and unwinding remain permitted.
func (e *Engine) SetEmergencyShutdown(caller common.Address, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.cfg.Management {
		return ErrUnauthorized
	}
	e.shutdown = active
	return nil
}

// deployIdle pushes the accounted idle balance into the market. Donated cash
// that has not been swept by a report stays behind.
func (e *Engine) deployIdle(ctx context.Context) error {
	amount := cloneBig(e.totalIdle)
	if amount.Sign() == 0 {
		return nil
	}
	pos, err := deployPosition(ctx, e.adapter, e.position, amount, e.cfg)
	if err != nil {
		return err
	}
	e.position = pos
	e.cash.Sub(e.cash, amount)
	e.totalIdle = big.NewInt(0)
	e.totalDebt.Add(e.totalDebt, amount)
	return nil
}

func (e *Engine) rebalanceState(ctx context.Context) (RebalanceState, error) {
	if e.shutdown {
		return Paused, nil
	}
	if e.position.Empty() {
		return Balanced, nil
	}
	prices, err := fetchPrices(ctx, e.adapter)
	if err != nil {
		return Balanced, err
	}
	live := ratioWad(prices.suppliedValue(e.position), prices.borrowedValue(e.position))
	diff := new(big.Int).Sub(live, e.cfg.TargetCollatRatio)
	sign := diff.Sign()
	diff.Abs(diff)
	if diff.Cmp(e.cfg.toleranceWad()) <= 0 {
		return Balanced, nil
	}
	if sign > 0 {
		return NeedsDecrease, nil
	}
	return NeedsIncrease, nil
}

// lockedNow returns the still-locked profit at the engine clock's current
// reading.
func (e *Engine) lockedNow() *big.Int {
	return e.lock.CurrentLocked(e.now(), e.cfg.ProfitMaxUnlockTime)
}

// netAssets is the share-price basis: accounted totals minus locked profit.
func (e *Engine) netAssets(locked *big.Int) *big.Int {
	net := new(big.Int).Add(e.totalIdle, e.totalDebt)
	net.Sub(net, locked)
	if net.Sign() < 0 {
		return big.NewInt(0)
	}
	return net
}

func (e *Engine) sharesForAssets(amount, locked *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if e.totalSupply.Sign() == 0 {
		return cloneBig(amount)
	}
	net := e.netAssets(locked)
	if net.Sign() == 0 {
		return cloneBig(amount)
	}
	shares := new(big.Int).Mul(amount, e.totalSupply)
	return shares.Quo(shares, net)
}

func (e *Engine) assetsForShares(shares, locked *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || e.totalSupply.Sign() == 0 {
		return big.NewInt(0)
	}
	assets := new(big.Int).Mul(shares, e.netAssets(locked))
	return assets.Quo(assets, e.totalSupply)
}

func (e *Engine) mint(addr common.Address, shares *big.Int) {
	if shares == nil || shares.Sign() <= 0 {
		return
	}
	e.totalSupply.Add(e.totalSupply, shares)
	bal, ok := e.balances[addr]
	if !ok {
		bal = big.NewInt(0)
		e.balances[addr] = bal
	}
	bal.Add(bal, shares)
}

func (e *Engine) burn(addr common.Address, shares *big.Int) {
	bal, ok := e.balances[addr]
	if !ok {
		return
	}
	bal.Sub(bal, shares)
	if bal.Sign() <= 0 {
		delete(e.balances, addr)
	}
	e.totalSupply.Sub(e.totalSupply, shares)
	if e.totalSupply.Sign() < 0 {
		e.totalSupply = big.NewInt(0)
	}
}

type ledgerSnapshot struct {
	cash        *big.Int
	totalIdle   *big.Int
	totalDebt   *big.Int
	position    Position
	lock        ProfitLock
	totalSupply *big.Int
	balances    map[common.Address]*big.Int
}

// snapshot captures the full ledger so a failed operation can roll back to
// the exact pre-call state.
func (e *Engine) snapshot() ledgerSnapshot {
	balances := make(map[common.Address]*big.Int, len(e.balances))
	for addr, bal := range e.balances {
		balances[addr] = cloneBig(bal)
	}
	return ledgerSnapshot{
		cash:        cloneBig(e.cash),
		totalIdle:   cloneBig(e.totalIdle),
		totalDebt:   cloneBig(e.totalDebt),
		position:    e.position.Clone(),
		lock:        ProfitLock{Locked: cloneBig(e.lock.Locked), LastReport: e.lock.LastReport},
		totalSupply: cloneBig(e.totalSupply),
		balances:    balances,
	}
}

func (e *Engine) restore(snap ledgerSnapshot) {
	e.cash = snap.cash
	e.totalIdle = snap.totalIdle
	e.totalDebt = snap.totalDebt
	e.position = snap.position
	e.lock = snap.lock
	e.totalSupply = snap.totalSupply
	e.balances = snap.balances
}
