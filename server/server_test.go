package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"levstrat/keeper"
	"levstrat/market/sim"
	"levstrat/strategy"
)

const (
	testSecretHeader = "X-Levstrat-Management-Secret"
	testSecret       = "keeper-test-secret"
	managementAddr   = "0x00000000000000000000000000000000000000aa"
	rewardsAddr      = "0x00000000000000000000000000000000000000bb"
	aliceAddr        = "0x0000000000000000000000000000000000000a11"
)

type fixture struct {
	handler http.Handler
	engine  *strategy.Engine
	market  *sim.Market
	journal *keeper.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	mkt := sim.New(func() time.Time { return clock })
	target, _ := new(big.Int).SetString("700000000000000000", 10)
	eng, err := strategy.NewEngine(mkt, strategy.Config{
		TargetCollatRatio: target,
		PerformanceFeeBps: 1_000,
		Management:        common.HexToAddress(managementAddr),
		Rewards:           common.HexToAddress(rewardsAddr),
		DeployOnDeposit:   true,
	})
	require.NoError(t, err)
	eng.SetClock(func() time.Time { return clock })

	journal, err := keeper.NewJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := New(eng, journal, log, Config{
		SecretHeader:    testSecretHeader,
		Secret:          testSecret,
		RateLimitPerMin: 10_000,
	})
	return &fixture{handler: srv.Handler(), engine: eng, market: mkt, journal: journal}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func wadString(n int64) string {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)).String()
}

func TestDepositEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Shares string `json:"shares"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, wadString(1_000), resp.Shares)
}

func TestDepositEndpointValidation(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]string{
		{"amount": "0", "receiver": aliceAddr},
		{"amount": "-5", "receiver": aliceAddr},
		{"amount": "abc", "receiver": aliceAddr},
		{"amount": wadString(1), "receiver": "nope"},
	}
	for _, body := range cases {
		rec := f.do(t, http.MethodPost, "/v1/deposit", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, fmt.Sprintf("%v: %s", body, rec.Body.String()))
	}
}

func TestRedeemEndpointRoundTrip(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/redeem", map[string]string{
		"shares":   wadString(1_000),
		"receiver": aliceAddr,
		"owner":    aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Assets string `json:"assets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, wadString(1_000), resp.Assets)
}

func TestRedeemEndpointConflictOnStrictLoss(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.market.SetWithdrawLimit(new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)))
	zero := uint64(0)
	rec = f.do(t, http.MethodPost, "/v1/redeem", map[string]any{
		"shares":     wadString(1_000),
		"receiver":   aliceAddr,
		"owner":      aliceAddr,
		"maxLossBps": zero,
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestReportAndStatusEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, f.engine.Donate(new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))))

	rec = f.do(t, http.MethodPost, "/v1/report", nil,
		map[string]string{testSecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report struct {
		Profit string `json:"profit"`
		Loss   string `json:"loss"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, wadString(100), report.Profit)
	require.Equal(t, "0", report.Loss)

	rec = f.do(t, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		TotalAssets string `json:"totalAssets"`
		State       string `json:"state"`
		Shutdown    bool   `json:"shutdown"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, wadString(1_100), status.TotalAssets)
	require.Equal(t, "balanced", status.State)
	require.False(t, status.Shutdown)
}

func TestTendEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/tend", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Rebalanced bool `json:"rebalanced"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Rebalanced)

	price, _ := new(big.Int).SetString("1020000000000000000", 10)
	f.market.SetDebtPrice(price)
	rec = f.do(t, http.MethodPost, "/v1/tend", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Rebalanced)
}

func TestHistoryEndpointListsOperations(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/history?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []keeper.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, keeper.EventDeposit, events[0].Kind)
	require.Equal(t, wadString(1_000), events[0].Amount)

	rec = f.do(t, http.MethodGet, "/v1/history?limit=0", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManagementEndpointsRequireSecret(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"caller": managementAddr, "bps": 2_000}

	rec := f.do(t, http.MethodPost, "/v1/management/performance-fee", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/management/performance-fee", body,
		map[string]string{testSecretHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/management/performance-fee", body,
		map[string]string{testSecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(2_000), f.engine.PerformanceFeeBps())

	// Secret alone is not enough: the engine still checks the caller.
	body["caller"] = aliceAddr
	rec = f.do(t, http.MethodPost, "/v1/management/performance-fee", body,
		map[string]string{testSecretHeader: testSecret})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReportEndpointRequiresSecret(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1_000),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, f.engine.Donate(new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))))

	rec = f.do(t, http.MethodPost, "/v1/report", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/report", nil,
		map[string]string{testSecretHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The rejected calls must not have settled the donation or restarted the
	// unlock window.
	require.Equal(t, wadString(1_000), f.engine.TotalAssets().String())

	rec = f.do(t, http.MethodPost, "/v1/report", nil,
		map[string]string{testSecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, wadString(1_100), f.engine.TotalAssets().String())
}

func TestShutdownEndpointBlocksDeposits(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/management/shutdown",
		map[string]any{"caller": managementAddr, "active": true},
		map[string]string{testSecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"amount":   wadString(1),
		"receiver": aliceAddr,
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMarketOutageMapsToBadGateway(t *testing.T) {
	f := newFixture(t)
	f.market.SetUnavailable(true)
	rec := f.do(t, http.MethodPost, "/v1/report", nil,
		map[string]string{testSecretHeader: testSecret})
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
}

func TestRateLimiterThrottles(t *testing.T) {
	limiter := newRateLimiter(1)
	wrapped := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
