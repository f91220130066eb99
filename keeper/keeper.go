// Package keeper drives the strategy's periodic maintenance: scheduled
// reports, trigger-gated tends, and the persistent operation journal.
package keeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"levstrat/observability"
	"levstrat/strategy"
)

// Keeper schedules reports and tends against a strategy engine. Tends run
// only when the engine's trigger asks for one; reports run unconditionally on
// their interval so losses surface even when nothing else moves.
type Keeper struct {
	engine    *strategy.Engine
	journal   *Journal
	log       *slog.Logger
	metrics   *observability.StrategyMetrics
	principal common.Address

	reportEvery time.Duration
	tendEvery   time.Duration
	policies    map[string]Policy

	failures map[string]int
	lastRun  map[string]time.Time
	now      func() time.Time
}

// Option configures optional keeper behavior.
type Option func(*Keeper)

// WithPolicies installs throttling policies loaded from the policy file.
func WithPolicies(policies []Policy) Option {
	return func(k *Keeper) {
		for _, p := range policies {
			k.policies[p.Operation] = p
		}
	}
}

// WithClock overrides the keeper's time source.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) {
		if now != nil {
			k.now = now
		}
	}
}

// New constructs a keeper. The journal may be nil when persistence is not
// wanted.
func New(engine *strategy.Engine, journal *Journal, log *slog.Logger, reportEvery, tendEvery time.Duration, opts ...Option) *Keeper {
	if log == nil {
		log = slog.Default()
	}
	k := &Keeper{
		engine:      engine,
		journal:     journal,
		log:         log,
		metrics:     observability.Strategy(),
		principal:   engine.KeeperAddress(),
		reportEvery: reportEvery,
		tendEvery:   tendEvery,
		policies:    make(map[string]Policy),
		failures:    make(map[string]int),
		lastRun:     make(map[string]time.Time),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run blocks until the context is cancelled, firing reports and tends on
// their configured intervals.
func (k *Keeper) Run(ctx context.Context) error {
	reportTicker := time.NewTicker(k.reportEvery)
	defer reportTicker.Stop()
	tendTicker := time.NewTicker(k.tendEvery)
	defer tendTicker.Stop()

	k.log.Info("keeper started",
		slog.Duration("report_every", k.reportEvery),
		slog.Duration("tend_every", k.tendEvery),
	)
	for {
		select {
		case <-ctx.Done():
			k.log.Info("keeper stopped")
			return ctx.Err()
		case <-reportTicker.C:
			k.RunReport(ctx)
		case <-tendTicker.C:
			k.RunTend(ctx)
		}
	}
}

// RunReport executes one report cycle and journals the outcome.
func (k *Keeper) RunReport(ctx context.Context) {
	if !k.admit(EventReport) {
		return
	}
	profit, loss, err := k.engine.Report(ctx, k.principal)
	k.metrics.ObserveReport(profit, loss, err)
	k.settle(EventReport, err)

	event := Event{Kind: EventReport, OccurredAt: k.now().UTC(), Outcome: "ok"}
	if err != nil {
		event.Outcome = "error"
		event.Detail = err.Error()
		k.log.Error("report failed", slog.String("error", err.Error()))
	} else {
		event.Profit = profit.String()
		event.Loss = loss.String()
		event.PricePerShare = k.engine.PricePerShare().String()
		event.TotalAssets = k.engine.TotalAssets().String()
		k.log.Info("report settled",
			slog.String("profit", event.Profit),
			slog.String("loss", event.Loss),
			slog.String("total_assets", event.TotalAssets),
		)
	}
	k.record(ctx, event)
	k.refreshGauges(ctx)
}

// RunTend executes one tend cycle when the engine's trigger asks for it.
func (k *Keeper) RunTend(ctx context.Context) {
	if !k.admit(EventTend) {
		return
	}
	if !k.engine.TendTrigger(ctx) {
		k.log.Debug("tend skipped, trigger quiet")
		return
	}
	err := k.engine.Tend(ctx)
	k.metrics.ObserveTend(err)
	k.settle(EventTend, err)

	event := Event{Kind: EventTend, OccurredAt: k.now().UTC(), Outcome: "ok"}
	if err != nil {
		event.Outcome = "error"
		event.Detail = err.Error()
		k.log.Error("tend failed", slog.String("error", err.Error()))
	} else {
		event.TotalAssets = k.engine.TotalAssets().String()
		k.log.Info("position rebalanced", slog.String("total_assets", event.TotalAssets))
	}
	k.record(ctx, event)
	k.refreshGauges(ctx)
}

// admit applies the operation's policy: the minimum interval between runs and
// a failure backoff that skips one attempt after too many consecutive errors.
func (k *Keeper) admit(operation string) bool {
	policy, ok := k.policies[operation]
	if !ok {
		return true
	}
	now := k.now()
	if last, ran := k.lastRun[operation]; ran && policy.MinInterval > 0 {
		if now.Sub(last) < policy.MinInterval {
			k.log.Debug("operation throttled by policy", slog.String("operation", operation))
			return false
		}
	}
	if policy.MaxConsecutiveFailures > 0 && k.failures[operation] >= policy.MaxConsecutiveFailures {
		k.log.Warn("operation backing off after repeated failures",
			slog.String("operation", operation),
			slog.Int("failures", k.failures[operation]),
		)
		k.failures[operation] = 0
		return false
	}
	return true
}

func (k *Keeper) settle(operation string, err error) {
	k.lastRun[operation] = k.now()
	if err != nil {
		k.failures[operation]++
		return
	}
	k.failures[operation] = 0
}

func (k *Keeper) record(ctx context.Context, event Event) {
	if k.journal == nil {
		return
	}
	if err := k.journal.Record(ctx, event); err != nil {
		k.log.Error("journal write failed", slog.String("error", err.Error()))
	}
}

func (k *Keeper) refreshGauges(ctx context.Context) {
	st, err := k.engine.Status(ctx)
	if err != nil {
		k.log.Debug("status unavailable for metrics", slog.String("error", err.Error()))
		return
	}
	k.metrics.UpdateLedger(st.TotalAssets, st.TotalIdle, st.TotalDebt,
		st.PricePerShare, st.LockedProfit, st.LiveCollatRatio, st.TotalSupply)
}
