package sim

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"levstrat/market"
)

func wadAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), wad)
}

func TestPricesAccrueWithInjectedClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mkt := New(clock)
	mkt.SetRates(1_000, 2_000)
	ctx := context.Background()

	price, err := mkt.PriceOf(ctx, market.AssetCollateral)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(wad) != 0 {
		t.Fatalf("collateral price at t0 = %s, want %s", price, wad)
	}

	now = now.Add(secondsPerYear / 2 * time.Second)
	price, err = mkt.PriceOf(ctx, market.AssetCollateral)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if want := mustParse("1050000000000000000"); price.Cmp(want) != 0 {
		t.Fatalf("collateral price at half year = %s, want %s", price, want)
	}
	price, err = mkt.PriceOf(ctx, market.AssetDebt)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if want := mustParse("1100000000000000000"); price.Cmp(want) != 0 {
		t.Fatalf("debt index at half year = %s, want %s", price, want)
	}
}

func TestSupplyAndBorrowBookkeeping(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mkt := New(func() time.Time { return now })
	ctx := context.Background()

	if err := mkt.Supply(ctx, wadAmount(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if got := mkt.Supplied(); got.Cmp(wadAmount(100)) != 0 {
		t.Fatalf("supplied units = %s, want %s", got, wadAmount(100))
	}
	if err := mkt.Borrow(ctx, wadAmount(70)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if got := mkt.Borrowed(); got.Cmp(wadAmount(70)) != 0 {
		t.Fatalf("borrowed units = %s, want %s", got, wadAmount(70))
	}
	if err := mkt.Repay(ctx, wadAmount(70)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := mkt.Borrowed(); got.Sign() != 0 {
		t.Fatalf("borrowed units = %s after repay, want 0", got)
	}
	got, err := mkt.WithdrawCollateral(ctx, wadAmount(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Cmp(wadAmount(100)) != 0 {
		t.Fatalf("withdrawn = %s, want %s", got, wadAmount(100))
	}
	if supplied := mkt.Supplied(); supplied.Sign() != 0 {
		t.Fatalf("supplied units = %s after withdrawal, want 0", supplied)
	}
}

func TestBorrowLiquidityCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mkt := New(func() time.Time { return now })
	ctx := context.Background()
	mkt.SetBorrowLiquidity(wadAmount(50))

	if err := mkt.Borrow(ctx, wadAmount(60)); !errors.Is(err, market.ErrInsufficientLiquidity) {
		t.Fatalf("borrow over cap err = %v, want %v", err, market.ErrInsufficientLiquidity)
	}
	if err := mkt.Borrow(ctx, wadAmount(50)); err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
	if err := mkt.Borrow(ctx, big.NewInt(1)); !errors.Is(err, market.ErrInsufficientLiquidity) {
		t.Fatalf("borrow on empty pool err = %v, want %v", err, market.ErrInsufficientLiquidity)
	}
	// Repayment replenishes the pool.
	if err := mkt.Repay(ctx, wadAmount(10)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := mkt.Borrow(ctx, wadAmount(10)); err != nil {
		t.Fatalf("borrow after repay: %v", err)
	}
}

func TestWithdrawLimitPartialFill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mkt := New(func() time.Time { return now })
	ctx := context.Background()
	if err := mkt.Supply(ctx, wadAmount(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	mkt.SetWithdrawLimit(wadAmount(30))
	got, err := mkt.WithdrawCollateral(ctx, wadAmount(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Cmp(wadAmount(30)) != 0 {
		t.Fatalf("withdrawn = %s, want the %s limit", got, wadAmount(30))
	}
}

func TestWithdrawCapsAtHoldings(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mkt := New(func() time.Time { return now })
	ctx := context.Background()
	if err := mkt.Supply(ctx, wadAmount(40)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	got, err := mkt.WithdrawCollateral(ctx, wadAmount(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Cmp(wadAmount(40)) != 0 {
		t.Fatalf("withdrawn = %s, want %s", got, wadAmount(40))
	}
}

func TestUnavailableMarketFailsEverything(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mkt := New(func() time.Time { return now })
	ctx := context.Background()
	mkt.SetUnavailable(true)

	if err := mkt.Supply(ctx, wadAmount(1)); !errors.Is(err, market.ErrMarketUnavailable) {
		t.Fatalf("supply err = %v, want %v", err, market.ErrMarketUnavailable)
	}
	if _, err := mkt.WithdrawCollateral(ctx, wadAmount(1)); !errors.Is(err, market.ErrMarketUnavailable) {
		t.Fatalf("withdraw err = %v, want %v", err, market.ErrMarketUnavailable)
	}
	if err := mkt.Borrow(ctx, wadAmount(1)); !errors.Is(err, market.ErrMarketUnavailable) {
		t.Fatalf("borrow err = %v, want %v", err, market.ErrMarketUnavailable)
	}
	if err := mkt.Repay(ctx, wadAmount(1)); !errors.Is(err, market.ErrMarketUnavailable) {
		t.Fatalf("repay err = %v, want %v", err, market.ErrMarketUnavailable)
	}
	if _, err := mkt.PriceOf(ctx, market.AssetCollateral); !errors.Is(err, market.ErrMarketUnavailable) {
		t.Fatalf("price err = %v, want %v", err, market.ErrMarketUnavailable)
	}

	mkt.SetUnavailable(false)
	if err := mkt.Supply(ctx, wadAmount(1)); err != nil {
		t.Fatalf("supply after recovery: %v", err)
	}
}

func mustParse(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}
