package strategy

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// maxPerformanceFeeBps caps the performance fee at 50%.
	maxPerformanceFeeBps = 5_000
	// maxLeverageIterations bounds the supply/borrow loop so deployment is
	// never unbounded regardless of target ratio.
	maxLeverageIterations = 15
	// maxUnwindIterations bounds the deleverage loop on withdrawal.
	maxUnwindIterations = 20
	// defaultMinLeverageStepBps stops the leverage loop once the marginal
	// borrow falls below this fraction of the deployed amount.
	defaultMinLeverageStepBps = 1
	// defaultRebalanceToleranceBps keeps the trigger quiet on the residual
	// deviation the bounded leverage loop leaves behind.
	defaultRebalanceToleranceBps = 50
	// defaultProfitMaxUnlockTime spreads realized profit over ten days.
	defaultProfitMaxUnlockTime = 10 * 24 * time.Hour
)

// hardMaxCollatRatio is the absolute ceiling for the live collateral ratio
// (borrowed value / supplied value, 1e18 scale). Configuration may tighten it
// but never relax it.
var hardMaxCollatRatio = mustBigInt("900000000000000000") // 0.9

// Config groups the governance-controlled parameters of a strategy. The toml
// tags allow a deployment to embed it directly in the daemon configuration.
type Config struct {
	// TargetCollatRatio is the ratio of borrowed value to supplied value the
	// rebalancer steers toward, 1e18 scale.
	TargetCollatRatio *big.Int `toml:"TargetCollatRatioWad"`
	// MaxCollatRatio is the safety ceiling the position must never exceed,
	// transiently included. Must not exceed the hard-coded bound.
	MaxCollatRatio *big.Int `toml:"MaxCollatRatioWad"`
	// RebalanceToleranceBps is the half-width of the no-action band around
	// the target ratio, in basis points of 1e18.
	RebalanceToleranceBps uint64 `toml:"RebalanceToleranceBps"`
	// PerformanceFeeBps is the share of realized profit minted to the
	// rewards address, in basis points.
	PerformanceFeeBps uint64 `toml:"PerformanceFeeBps"`
	// MinLeverageStepBps stops the leverage loop once the marginal borrow
	// drops below this fraction of the amount being deployed.
	MinLeverageStepBps uint64 `toml:"MinLeverageStepBps"`
	// ProfitMaxUnlockTime is the window over which reported profit unlocks
	// into the share price.
	ProfitMaxUnlockTime time.Duration `toml:"-"`
	// Management may mutate fees and toggle emergency shutdown.
	Management common.Address `toml:"-"`
	// Keeper is the principal allowed to run reports. Management always
	// retains the permission; when unset the keeper defaults to management.
	Keeper common.Address `toml:"-"`
	// Rewards receives performance-fee shares.
	Rewards common.Address `toml:"-"`
	// DeployOnDeposit controls whether deposits are pushed into the market
	// immediately. Disabled deployments hold funds idle until a tend.
	DeployOnDeposit bool `toml:"DeployOnDeposit"`
}

// EnsureDefaults fills zero-valued knobs with their defaults.
func (c *Config) EnsureDefaults() {
	if c.ProfitMaxUnlockTime <= 0 {
		c.ProfitMaxUnlockTime = defaultProfitMaxUnlockTime
	}
	if c.MinLeverageStepBps == 0 {
		c.MinLeverageStepBps = defaultMinLeverageStepBps
	}
	if c.RebalanceToleranceBps == 0 {
		c.RebalanceToleranceBps = defaultRebalanceToleranceBps
	}
	if c.MaxCollatRatio == nil || c.MaxCollatRatio.Sign() == 0 {
		c.MaxCollatRatio = cloneBig(hardMaxCollatRatio)
	}
	if c.Keeper == (common.Address{}) {
		c.Keeper = c.Management
	}
}

// Validate checks internal consistency of the parameters.
func (c Config) Validate() error {
	if c.TargetCollatRatio == nil || c.TargetCollatRatio.Sign() <= 0 {
		return ErrInvalidParameter
	}
	if c.MaxCollatRatio == nil || c.MaxCollatRatio.Cmp(hardMaxCollatRatio) > 0 {
		return ErrInvalidParameter
	}
	if c.TargetCollatRatio.Cmp(c.MaxCollatRatio) >= 0 {
		return ErrInvalidParameter
	}
	if c.PerformanceFeeBps > maxPerformanceFeeBps {
		return ErrInvalidParameter
	}
	if c.Management == (common.Address{}) {
		return ErrInvalidParameter
	}
	if c.Rewards == (common.Address{}) {
		return ErrInvalidParameter
	}
	return nil
}

func (c Config) clone() Config {
	clone := c
	clone.TargetCollatRatio = cloneBig(c.TargetCollatRatio)
	clone.MaxCollatRatio = cloneBig(c.MaxCollatRatio)
	return clone
}

// toleranceWad converts the rebalance tolerance band to 1e18 scale.
func (c Config) toleranceWad() *big.Int {
	tol := new(big.Int).Mul(wad, new(big.Int).SetUint64(c.RebalanceToleranceBps))
	return tol.Quo(tol, basisPoints)
}
