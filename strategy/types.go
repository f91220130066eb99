package strategy

import (
	"math/big"
	"time"
)

// Position captures the strategy's footprint inside the lending market.
// SuppliedUnits counts collateral units; BorrowedUnits counts scaled debt
// units, so multiplying by the market's debt index recovers the amount owed
// in underlying terms.
type Position struct {
	SuppliedUnits *big.Int
	BorrowedUnits *big.Int
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	return Position{
		SuppliedUnits: cloneBig(p.SuppliedUnits),
		BorrowedUnits: cloneBig(p.BorrowedUnits),
	}
}

// Empty reports whether the position holds no collateral.
func (p Position) Empty() bool {
	return p.SuppliedUnits == nil || p.SuppliedUnits.Sign() == 0
}

func (p *Position) ensureDefaults() {
	if p.SuppliedUnits == nil {
		p.SuppliedUnits = big.NewInt(0)
	}
	if p.BorrowedUnits == nil {
		p.BorrowedUnits = big.NewInt(0)
	}
}

// ProfitLock tracks realized profit that has not yet been reflected in the
// share price. The locked amount decays linearly to zero over the unlock
// window and is only ever raised by a report.
type ProfitLock struct {
	Locked     *big.Int
	LastReport time.Time
}

// CurrentLocked returns the still-locked amount at the supplied timestamp.
// It is a pure function of elapsed time; no background timer advances it.
func (l ProfitLock) CurrentLocked(now time.Time, unlockWindow time.Duration) *big.Int {
	if l.Locked == nil || l.Locked.Sign() <= 0 {
		return big.NewInt(0)
	}
	if unlockWindow <= 0 {
		return big.NewInt(0)
	}
	elapsed := now.Sub(l.LastReport)
	if elapsed <= 0 {
		return cloneBig(l.Locked)
	}
	if elapsed >= unlockWindow {
		return big.NewInt(0)
	}
	remainingNanos := big.NewInt(int64(unlockWindow - elapsed))
	windowNanos := big.NewInt(int64(unlockWindow))
	remaining := new(big.Int).Mul(l.Locked, remainingNanos)
	return remaining.Quo(remaining, windowNanos)
}

// RebalanceState is the controller's view of the position relative to the
// target collateral ratio.
type RebalanceState int

const (
	// Balanced means the live ratio sits inside the tolerance band, or the
	// position is flat and there is nothing to adjust.
	Balanced RebalanceState = iota
	// NeedsIncrease means the live ratio fell below target minus tolerance.
	NeedsIncrease
	// NeedsDecrease means the live ratio rose above target plus tolerance.
	NeedsDecrease
	// Paused is the emergency-shutdown override; it forces the tend trigger
	// to false and blocks new deployment.
	Paused
)

func (s RebalanceState) String() string {
	switch s {
	case Balanced:
		return "balanced"
	case NeedsIncrease:
		return "needs_increase"
	case NeedsDecrease:
		return "needs_decrease"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}
