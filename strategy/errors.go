package strategy

import "errors"

var (
	// ErrInvalidParameter rejects bad inputs (zero amounts, fee over cap,
	// empty addresses) before any state mutation.
	ErrInvalidParameter = errors.New("strategy: invalid parameter")
	// ErrUnauthorized is returned when a management-gated setter is invoked
	// by a principal other than the configured management address.
	ErrUnauthorized = errors.New("strategy: unauthorized")
	// ErrZeroShares rejects redemptions of zero shares.
	ErrZeroShares = errors.New("strategy: zero shares")
	// ErrInsufficientShares is returned when the owner's share balance cannot
	// cover the requested redemption.
	ErrInsufficientShares = errors.New("strategy: insufficient shares")
	// ErrCollateralRatioBreach aborts any operation whose next step would
	// push the live collateral ratio above the safety ceiling.
	ErrCollateralRatioBreach = errors.New("strategy: collateral ratio breach")
	// ErrInsufficientLiquidity is returned when a redemption frees less than
	// the caller's loss tolerance allows.
	ErrInsufficientLiquidity = errors.New("strategy: freed liquidity below tolerance")
	// ErrShutdown blocks deployment and rebalancing while the emergency
	// shutdown flag is set. Withdrawals remain permitted.
	ErrShutdown = errors.New("strategy: emergency shutdown active")
)
