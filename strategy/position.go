package strategy

import (
	"context"
	"math/big"

	"levstrat/market"
)

// marketPrices is a consistent price snapshot taken once per operation so
// every step inside an atomic unit of work values the position identically.
type marketPrices struct {
	collateral *big.Int
	debt       *big.Int
}

func fetchPrices(ctx context.Context, a market.Adapter) (marketPrices, error) {
	collateral, err := a.PriceOf(ctx, market.AssetCollateral)
	if err != nil {
		return marketPrices{}, err
	}
	debt, err := a.PriceOf(ctx, market.AssetDebt)
	if err != nil {
		return marketPrices{}, err
	}
	if collateral == nil || collateral.Sign() <= 0 || debt == nil || debt.Sign() <= 0 {
		return marketPrices{}, market.ErrMarketUnavailable
	}
	return marketPrices{collateral: cloneBig(collateral), debt: cloneBig(debt)}, nil
}

func (p marketPrices) suppliedValue(pos Position) *big.Int {
	return wadMul(pos.SuppliedUnits, p.collateral)
}

func (p marketPrices) borrowedValue(pos Position) *big.Int {
	return wadMul(pos.BorrowedUnits, p.debt)
}

// ratioWad returns borrowed value over supplied value, 1e18 scale. A flat
// position has ratio zero.
func ratioWad(suppliedVal, borrowedVal *big.Int) *big.Int {
	if suppliedVal == nil || suppliedVal.Sign() == 0 {
		return big.NewInt(0)
	}
	if borrowedVal == nil || borrowedVal.Sign() == 0 {
		return big.NewInt(0)
	}
	return wadDiv(borrowedVal, suppliedVal)
}

// estimatedAssets marks the position to market: supplied value minus borrowed
// value in underlying terms, floored at zero.
func (p marketPrices) estimatedAssets(pos Position) *big.Int {
	eta := new(big.Int).Sub(p.suppliedValue(pos), p.borrowedValue(pos))
	if eta.Sign() < 0 {
		return big.NewInt(0)
	}
	return eta
}

// deployPosition supplies amount into the market and levers up toward the
// target collateral ratio. The loop is bounded: it stops after
// maxLeverageIterations, when the marginal borrow falls below minStep, or
// when the target is reached. Each borrow lands the ratio exactly on target
// before the follow-up supply pushes it back below, so the ceiling is never
// crossed, transiently included.
func deployPosition(ctx context.Context, a market.Adapter, pos Position, amount *big.Int, cfg Config) (Position, error) {
	pos = pos.Clone()
	pos.ensureDefaults()
	if amount == nil || amount.Sign() <= 0 {
		return pos, nil
	}
	prices, err := fetchPrices(ctx, a)
	if err != nil {
		return pos, err
	}
	if err := a.Supply(ctx, amount); err != nil {
		return pos, err
	}
	pos.SuppliedUnits.Add(pos.SuppliedUnits, wadDiv(amount, prices.collateral))

	minStep := bpsOf(amount, cfg.MinLeverageStepBps)
	if minStep.Sign() == 0 {
		minStep = big.NewInt(1)
	}
	return leverageLoop(ctx, a, pos, prices, cfg, minStep)
}

// leverageLoop borrows up to the target ratio and re-supplies the proceeds.
func leverageLoop(ctx context.Context, a market.Adapter, pos Position, prices marketPrices, cfg Config, minStep *big.Int) (Position, error) {
	for i := 0; i < maxLeverageIterations; i++ {
		suppliedVal := prices.suppliedValue(pos)
		borrowedVal := prices.borrowedValue(pos)
		targetVal := wadMul(suppliedVal, cfg.TargetCollatRatio)
		if targetVal.Cmp(borrowedVal) <= 0 {
			break
		}
		step := new(big.Int).Sub(targetVal, borrowedVal)
		if step.Cmp(minStep) < 0 {
			break
		}
		after := ratioWad(suppliedVal, new(big.Int).Add(borrowedVal, step))
		if after.Cmp(cfg.MaxCollatRatio) > 0 {
			return pos, ErrCollateralRatioBreach
		}
		if err := a.Borrow(ctx, step); err != nil {
			return pos, err
		}
		pos.BorrowedUnits.Add(pos.BorrowedUnits, wadDiv(step, prices.debt))
		if err := a.Supply(ctx, step); err != nil {
			return pos, err
		}
		pos.SuppliedUnits.Add(pos.SuppliedUnits, wadDiv(step, prices.collateral))
	}
	return pos, nil
}

// unwindPosition frees amount of underlying from the position. Debt is
// reduced proportionally first: each iteration withdraws only the slack
// collateral that keeps the ratio at or below the safety ceiling and repays
// with the freed funds. Collateral beyond the target ratio is released last,
// so a partial unwind leaves the ratio at or below target. The amount
// actually freed is returned; it falls short of the request when the market
// fills withdrawals partially.
func unwindPosition(ctx context.Context, a market.Adapter, pos Position, amount *big.Int, cfg Config) (Position, *big.Int, error) {
	pos = pos.Clone()
	pos.ensureDefaults()
	freed := big.NewInt(0)
	if amount == nil || amount.Sign() <= 0 || pos.Empty() {
		return pos, freed, nil
	}
	prices, err := fetchPrices(ctx, a)
	if err != nil {
		return pos, freed, err
	}
	eta := prices.estimatedAssets(pos)
	if eta.Sign() == 0 {
		return pos, freed, nil
	}

	request := minBig(amount, eta)
	targetBorrowedUnits := big.NewInt(0)
	if request.Cmp(eta) < 0 {
		keep := new(big.Int).Sub(wad, wadDiv(request, eta))
		targetBorrowedUnits = wadMul(pos.BorrowedUnits, keep)
	}

	for i := 0; i < maxUnwindIterations; i++ {
		if pos.BorrowedUnits.Cmp(targetBorrowedUnits) <= 0 {
			break
		}
		suppliedVal := prices.suppliedValue(pos)
		borrowedVal := prices.borrowedValue(pos)
		minSupplyVal := ceilDiv(new(big.Int).Mul(borrowedVal, wad), cfg.MaxCollatRatio)
		slack := new(big.Int).Sub(suppliedVal, minSupplyVal)
		if slack.Sign() <= 0 {
			break
		}
		owedDelta := wadMul(new(big.Int).Sub(pos.BorrowedUnits, targetBorrowedUnits), prices.debt)
		step := minBig(slack, owedDelta)
		if step.Sign() <= 0 {
			break
		}
		got, err := a.WithdrawCollateral(ctx, step)
		if err != nil {
			return pos, freed, err
		}
		if got == nil || got.Sign() <= 0 {
			break
		}
		subClamped(pos.SuppliedUnits, wadDiv(got, prices.collateral))
		repayAmt := minBig(got, owedDelta)
		if repayAmt.Sign() > 0 {
			if err := a.Repay(ctx, repayAmt); err != nil {
				return pos, freed, err
			}
			subClamped(pos.BorrowedUnits, wadDiv(repayAmt, prices.debt))
			freed.Add(freed, new(big.Int).Sub(got, repayAmt))
		} else {
			freed.Add(freed, got)
		}
		if got.Cmp(step) < 0 {
			// Partial fill: the market is short on liquidity, stop probing.
			break
		}
	}

	remaining := new(big.Int).Sub(request, freed)
	if remaining.Sign() > 0 && pos.SuppliedUnits.Sign() > 0 {
		suppliedVal := prices.suppliedValue(pos)
		borrowedVal := prices.borrowedValue(pos)
		maxWithdraw := cloneBig(suppliedVal)
		if borrowedVal.Sign() > 0 {
			minSupplyVal := ceilDiv(new(big.Int).Mul(borrowedVal, wad), cfg.TargetCollatRatio)
			maxWithdraw = new(big.Int).Sub(suppliedVal, minSupplyVal)
		}
		step := minBig(remaining, maxWithdraw)
		if step.Sign() > 0 {
			got, err := a.WithdrawCollateral(ctx, step)
			if err != nil {
				return pos, freed, err
			}
			if got != nil && got.Sign() > 0 {
				subClamped(pos.SuppliedUnits, wadDiv(got, prices.collateral))
				freed.Add(freed, got)
			}
		}
	}
	return pos, freed, nil
}

// leverDown repays debt until the live ratio is back at or below target. All
// withdrawn funds go straight to repayment, so idle balances never change.
func leverDown(ctx context.Context, a market.Adapter, pos Position, cfg Config) (Position, error) {
	pos = pos.Clone()
	pos.ensureDefaults()
	prices, err := fetchPrices(ctx, a)
	if err != nil {
		return pos, err
	}
	oneMinusTarget := new(big.Int).Sub(wad, cfg.TargetCollatRatio)
	for i := 0; i < maxUnwindIterations; i++ {
		suppliedVal := prices.suppliedValue(pos)
		borrowedVal := prices.borrowedValue(pos)
		if ratioWad(suppliedVal, borrowedVal).Cmp(cfg.TargetCollatRatio) <= 0 {
			break
		}
		// Withdrawing w and repaying w solves (b-w)/(s-w) = target at
		// w = (b - target*s) / (1 - target).
		need := wadDiv(new(big.Int).Sub(borrowedVal, wadMul(suppliedVal, cfg.TargetCollatRatio)), oneMinusTarget)
		minSupplyVal := ceilDiv(new(big.Int).Mul(borrowedVal, wad), cfg.MaxCollatRatio)
		slack := new(big.Int).Sub(suppliedVal, minSupplyVal)
		step := minBig(need, slack)
		if step.Sign() <= 0 {
			break
		}
		got, err := a.WithdrawCollateral(ctx, step)
		if err != nil {
			return pos, err
		}
		if got == nil || got.Sign() <= 0 {
			break
		}
		subClamped(pos.SuppliedUnits, wadDiv(got, prices.collateral))
		repayAmt := minBig(got, borrowedVal)
		if err := a.Repay(ctx, repayAmt); err != nil {
			return pos, err
		}
		subClamped(pos.BorrowedUnits, wadDiv(repayAmt, prices.debt))
		if got.Cmp(step) < 0 {
			break
		}
	}
	return pos, nil
}

// leverUp borrows toward the target ratio against existing collateral.
func leverUp(ctx context.Context, a market.Adapter, pos Position, cfg Config) (Position, error) {
	pos = pos.Clone()
	pos.ensureDefaults()
	if pos.Empty() {
		return pos, nil
	}
	prices, err := fetchPrices(ctx, a)
	if err != nil {
		return pos, err
	}
	minStep := bpsOf(prices.suppliedValue(pos), cfg.MinLeverageStepBps)
	if minStep.Sign() == 0 {
		minStep = big.NewInt(1)
	}
	return leverageLoop(ctx, a, pos, prices, cfg, minStep)
}

func subClamped(x, delta *big.Int) {
	x.Sub(x, delta)
	if x.Sign() < 0 {
		x.SetInt64(0)
	}
}
