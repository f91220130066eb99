package strategy

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestProfitLockLinearDecay(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	window := 10 * 24 * time.Hour
	lock := ProfitLock{Locked: wadAmount(1_000), LastReport: start}

	if got := lock.CurrentLocked(start, window); got.Cmp(wadAmount(1_000)) != 0 {
		t.Fatalf("locked at t0 = %s, want %s", got, wadAmount(1_000))
	}
	if got := lock.CurrentLocked(start.Add(window/4), window); got.Cmp(wadAmount(750)) != 0 {
		t.Fatalf("locked at quarter window = %s, want %s", got, wadAmount(750))
	}
	if got := lock.CurrentLocked(start.Add(window/2), window); got.Cmp(wadAmount(500)) != 0 {
		t.Fatalf("locked at half window = %s, want %s", got, wadAmount(500))
	}
	if got := lock.CurrentLocked(start.Add(window), window); got.Sign() != 0 {
		t.Fatalf("locked at window end = %s, want 0", got)
	}
	if got := lock.CurrentLocked(start.Add(2*window), window); got.Sign() != 0 {
		t.Fatalf("locked past window = %s, want 0", got)
	}
	// Clock skew before the report keeps the full amount locked.
	if got := lock.CurrentLocked(start.Add(-time.Hour), window); got.Cmp(wadAmount(1_000)) != 0 {
		t.Fatalf("locked before report = %s, want %s", got, wadAmount(1_000))
	}
}

func TestProfitLockDegenerateInputs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if got := (ProfitLock{}).CurrentLocked(now, time.Hour); got.Sign() != 0 {
		t.Fatalf("empty lock = %s, want 0", got)
	}
	lock := ProfitLock{Locked: wadAmount(100), LastReport: now}
	if got := lock.CurrentLocked(now.Add(time.Second), 0); got.Sign() != 0 {
		t.Fatalf("zero window = %s, want 0", got)
	}
}

func TestPricePerShareMonotoneDuringUnlock(t *testing.T) {
	eng, _, clock := newTestEngine(t, func(cfg *Config) { cfg.DeployOnDeposit = false })
	ctx := context.Background()
	if _, err := eng.Deposit(ctx, wadAmount(10_000), alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Donate(wadAmount(1_000)); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if _, _, err := eng.Report(ctx, management); err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := eng.PricePerShare(); got.Cmp(wad) != 0 {
		t.Fatalf("price per share right after report = %s, want %s", got, wad)
	}

	window := eng.ProfitMaxUnlockTime()
	prev := eng.PricePerShare()
	for i := 0; i < 10; i++ {
		clock.Advance(window / 10)
		got := eng.PricePerShare()
		if got.Cmp(prev) < 0 {
			t.Fatalf("price per share fell from %s to %s during unlock", prev, got)
		}
		prev = got
	}
	// The full unlocked amount is in the price once the window elapses.
	want := new(big.Int).Quo(new(big.Int).Mul(eng.TotalAssets(), wad), eng.TotalSupply())
	if prev.Cmp(want) != 0 {
		t.Fatalf("price per share after window = %s, want %s", prev, want)
	}
	if got := eng.CurrentLockedProfit(); got.Sign() != 0 {
		t.Fatalf("locked profit after window = %s, want 0", got)
	}
}

func TestReportRollsRemainingLockIntoNewWindow(t *testing.T) {
	eng, _, clock := newTestEngine(t, func(cfg *Config) {
		cfg.DeployOnDeposit = false
		cfg.PerformanceFeeBps = 0
	})
	ctx := context.Background()
	if _, err := eng.Deposit(ctx, wadAmount(1_000), alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Donate(wadAmount(100)); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if _, _, err := eng.Report(ctx, management); err != nil {
		t.Fatalf("first report: %v", err)
	}
	clock.Advance(eng.ProfitMaxUnlockTime() / 2)

	if err := eng.Donate(wadAmount(100)); err != nil {
		t.Fatalf("second donate: %v", err)
	}
	if _, _, err := eng.Report(ctx, management); err != nil {
		t.Fatalf("second report: %v", err)
	}
	// Half of the first lock is still pending and joins the new profit.
	if got := eng.CurrentLockedProfit(); got.Cmp(wadAmount(150)) != 0 {
		t.Fatalf("locked after second report = %s, want %s", got, wadAmount(150))
	}
}
