package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StrategyMetrics exposes the financial state of the strategy engine plus the
// outcome counters the keeper drives. Gauges are refreshed from status
// snapshots; counters tick on every report and tend attempt.
type StrategyMetrics struct {
	totalAssets    prometheus.Gauge
	totalIdle      prometheus.Gauge
	totalDebt      prometheus.Gauge
	pricePerShare  prometheus.Gauge
	lockedProfit   prometheus.Gauge
	liveRatio      prometheus.Gauge
	shareSupply    prometheus.Gauge
	reports        *prometheus.CounterVec
	tends          *prometheus.CounterVec
	profitReported prometheus.Counter
	lossReported   prometheus.Counter
}

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	strategyMetricsOnce sync.Once
	strategyRegistry    *StrategyMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics
)

// Strategy returns the lazily-initialised strategy metrics registry.
func Strategy() *StrategyMetrics {
	strategyMetricsOnce.Do(func() {
		strategyRegistry = &StrategyMetrics{
			totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "total_assets",
				Help:      "Accounted assets under management in underlying units.",
			}),
			totalIdle: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "total_idle",
				Help:      "Accounted uninvested balance in underlying units.",
			}),
			totalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "total_debt",
				Help:      "Accounted deployed valuation in underlying units.",
			}),
			pricePerShare: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "price_per_share",
				Help:      "Value of one share in underlying units, locked profit excluded.",
			}),
			lockedProfit: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "locked_profit",
				Help:      "Reported profit still excluded from the share price.",
			}),
			liveRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "live_collateral_ratio",
				Help:      "Mark-to-market borrowed value over supplied value.",
			}),
			shareSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "share_supply",
				Help:      "Outstanding strategy shares.",
			}),
			reports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "keeper",
				Name:      "reports_total",
				Help:      "Report attempts segmented by outcome.",
			}, []string{"outcome"}),
			tends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "keeper",
				Name:      "tends_total",
				Help:      "Tend attempts segmented by outcome.",
			}, []string{"outcome"}),
			profitReported: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "profit_reported_total",
				Help:      "Cumulative profit realized by reports, in underlying units.",
			}),
			lossReported: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "strategy",
				Name:      "loss_reported_total",
				Help:      "Cumulative loss realized by reports, in underlying units.",
			}),
		}
		prometheus.MustRegister(
			strategyRegistry.totalAssets,
			strategyRegistry.totalIdle,
			strategyRegistry.totalDebt,
			strategyRegistry.pricePerShare,
			strategyRegistry.lockedProfit,
			strategyRegistry.liveRatio,
			strategyRegistry.shareSupply,
			strategyRegistry.reports,
			strategyRegistry.tends,
			strategyRegistry.profitReported,
			strategyRegistry.lossReported,
		)
	})
	return strategyRegistry
}

// UpdateLedger refreshes the financial gauges from a status snapshot. Wad
// quantities are scaled down to whole underlying units for readability.
func (m *StrategyMetrics) UpdateLedger(totalAssets, totalIdle, totalDebt, pricePerShare, lockedProfit, liveRatio, shareSupply *big.Int) {
	if m == nil {
		return
	}
	m.totalAssets.Set(wadToFloat(totalAssets))
	m.totalIdle.Set(wadToFloat(totalIdle))
	m.totalDebt.Set(wadToFloat(totalDebt))
	m.pricePerShare.Set(wadToFloat(pricePerShare))
	m.lockedProfit.Set(wadToFloat(lockedProfit))
	m.liveRatio.Set(wadToFloat(liveRatio))
	m.shareSupply.Set(wadToFloat(shareSupply))
}

// ObserveReport records a report attempt and accumulates realized totals.
func (m *StrategyMetrics) ObserveReport(profit, loss *big.Int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reports.WithLabelValues("error").Inc()
		return
	}
	m.reports.WithLabelValues("ok").Inc()
	if v := wadToFloat(profit); v > 0 {
		m.profitReported.Add(v)
	}
	if v := wadToFloat(loss); v > 0 {
		m.lossReported.Add(v)
	}
}

// ObserveTend records a tend attempt.
func (m *StrategyMetrics) ObserveTend(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.tends.WithLabelValues(outcome).Inc()
}

// API returns the lazily-initialised HTTP API metrics registry.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "levstrat",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "levstrat",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by rate limiting.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status ultimately written to the response writer.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeRoute(route)
	outcome := "ok"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, statusLabel(status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// Throttle records a rate-limited request.
func (m *apiMetrics) Throttle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeRoute(route)).Inc()
}

func normalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "unknown"
	}
	return route
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// wadToFloat converts a 1e18 fixed-point quantity to whole units. Precision
// loss is acceptable for dashboards; the ledger keeps exact integers.
func wadToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(value), big.NewFloat(1e18))
	floatVal, _ := scaled.Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
