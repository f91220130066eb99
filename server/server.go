// Package server exposes the strategy engine over HTTP: vault operations,
// keeper triggers, status and history reads, and the management surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"levstrat/keeper"
	"levstrat/market"
	"levstrat/observability"
	"levstrat/strategy"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server wires the strategy engine and keeper journal into an HTTP API.
type Server struct {
	engine  *strategy.Engine
	journal *keeper.Journal
	log     *slog.Logger

	secretHeader string
	secret       string
	limiter      *rateLimiter
}

// Config carries the server's operational knobs.
type Config struct {
	SecretHeader    string
	Secret          string
	RateLimitPerMin int
}

// New constructs a server. The journal may be nil; history reads then return
// an empty list.
func New(engine *strategy.Engine, journal *keeper.Journal, log *slog.Logger, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:       engine,
		journal:      journal,
		log:          log,
		secretHeader: cfg.SecretHeader,
		secret:       cfg.Secret,
		limiter:      newRateLimiter(cfg.RateLimitPerMin),
	}
}

// Handler assembles the full route tree wrapped with tracing.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limiter.middleware)
	r.Use(s.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/redeem", s.handleRedeem)
		r.With(s.requireSecret).Post("/report", s.handleReport)
		r.Post("/tend", s.handleTend)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Route("/management", func(r chi.Router) {
			r.Use(s.requireSecret)
			r.Post("/performance-fee", s.handleSetPerformanceFee)
			r.Post("/shutdown", s.handleSetShutdown)
		})
	})
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "levstrat-api")
}

type depositRequest struct {
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
}

type depositResponse struct {
	Shares string `json:"shares"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "amount must be a positive base-10 integer")
		return
	}
	receiver, ok := parseAddress(req.Receiver)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "receiver must be a hex address")
		return
	}
	shares, err := s.engine.Deposit(r.Context(), amount, receiver)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.journalEvent(r.Context(), keeper.Event{
		Kind: keeper.EventDeposit, Outcome: "ok", Amount: amount.String(),
		PricePerShare: s.engine.PricePerShare().String(),
		TotalAssets:   s.engine.TotalAssets().String(),
	})
	s.writeJSON(w, http.StatusOK, depositResponse{Shares: shares.String()})
}

type redeemRequest struct {
	Shares     string  `json:"shares"`
	Receiver   string  `json:"receiver"`
	Owner      string  `json:"owner"`
	MaxLossBps *uint64 `json:"maxLossBps,omitempty"`
}

type redeemResponse struct {
	Assets string `json:"assets"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "shares must be a positive base-10 integer")
		return
	}
	receiver, ok := parseAddress(req.Receiver)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "receiver must be a hex address")
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	var (
		assets *big.Int
		err    error
	)
	if req.MaxLossBps != nil {
		assets, err = s.engine.RedeemWithLoss(r.Context(), shares, receiver, owner, *req.MaxLossBps)
	} else {
		assets, err = s.engine.Redeem(r.Context(), shares, receiver, owner)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.journalEvent(r.Context(), keeper.Event{
		Kind: keeper.EventRedeem, Outcome: "ok", Amount: assets.String(),
		PricePerShare: s.engine.PricePerShare().String(),
		TotalAssets:   s.engine.TotalAssets().String(),
	})
	s.writeJSON(w, http.StatusOK, redeemResponse{Assets: assets.String()})
}

type reportResponse struct {
	Profit string `json:"profit"`
	Loss   string `json:"loss"`
}

// handleReport runs behind the shared secret and executes as the keeper
// principal; reports restart the profit unlock window, so the route must not
// be open.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	profit, loss, err := s.engine.Report(r.Context(), s.engine.KeeperAddress())
	observability.Strategy().ObserveReport(profit, loss, err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.journalEvent(r.Context(), keeper.Event{
		Kind: keeper.EventReport, Outcome: "ok",
		Profit: profit.String(), Loss: loss.String(),
		PricePerShare: s.engine.PricePerShare().String(),
		TotalAssets:   s.engine.TotalAssets().String(),
	})
	s.writeJSON(w, http.StatusOK, reportResponse{Profit: profit.String(), Loss: loss.String()})
}

type tendResponse struct {
	Rebalanced bool `json:"rebalanced"`
}

func (s *Server) handleTend(w http.ResponseWriter, r *http.Request) {
	triggered := s.engine.TendTrigger(r.Context())
	if !triggered {
		s.writeJSON(w, http.StatusOK, tendResponse{Rebalanced: false})
		return
	}
	err := s.engine.Tend(r.Context())
	observability.Strategy().ObserveTend(err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.journalEvent(r.Context(), keeper.Event{
		Kind: keeper.EventTend, Outcome: "ok",
		TotalAssets: s.engine.TotalAssets().String(),
	})
	s.writeJSON(w, http.StatusOK, tendResponse{Rebalanced: true})
}

type statusResponse struct {
	TotalAssets       string    `json:"totalAssets"`
	TotalIdle         string    `json:"totalIdle"`
	TotalDebt         string    `json:"totalDebt"`
	TotalSupply       string    `json:"totalSupply"`
	PricePerShare     string    `json:"pricePerShare"`
	LockedProfit      string    `json:"lockedProfit"`
	SuppliedValue     string    `json:"suppliedValue"`
	BorrowedValue     string    `json:"borrowedValue"`
	LiveCollatRatio   string    `json:"liveCollatRatio"`
	TargetCollatRatio string    `json:"targetCollatRatio"`
	State             string    `json:"state"`
	Shutdown          bool      `json:"shutdown"`
	LastReport        time.Time `json:"lastReport"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	observability.Strategy().UpdateLedger(st.TotalAssets, st.TotalIdle, st.TotalDebt,
		st.PricePerShare, st.LockedProfit, st.LiveCollatRatio, st.TotalSupply)
	s.writeJSON(w, http.StatusOK, statusResponse{
		TotalAssets:       st.TotalAssets.String(),
		TotalIdle:         st.TotalIdle.String(),
		TotalDebt:         st.TotalDebt.String(),
		TotalSupply:       st.TotalSupply.String(),
		PricePerShare:     st.PricePerShare.String(),
		LockedProfit:      st.LockedProfit.String(),
		SuppliedValue:     st.SuppliedValue.String(),
		BorrowedValue:     st.BorrowedValue.String(),
		LiveCollatRatio:   st.LiveCollatRatio.String(),
		TargetCollatRatio: st.TargetCollatRatio.String(),
		State:             st.State.String(),
		Shutdown:          st.Shutdown,
		LastReport:        st.LastReport,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1_000 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}
	if s.journal == nil {
		s.writeJSON(w, http.StatusOK, []keeper.Event{})
		return
	}
	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("history read failed", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "history unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

type performanceFeeRequest struct {
	Caller string `json:"caller"`
	Bps    uint64 `json:"bps"`
}

func (s *Server) handleSetPerformanceFee(w http.ResponseWriter, r *http.Request) {
	var req performanceFeeRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "caller must be a hex address")
		return
	}
	if err := s.engine.SetPerformanceFee(caller, req.Bps); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.Info("performance fee updated", slog.Uint64("bps", req.Bps))
	s.writeJSON(w, http.StatusOK, map[string]uint64{"bps": req.Bps})
}

type shutdownRequest struct {
	Caller string `json:"caller"`
	Active bool   `json:"active"`
}

func (s *Server) handleSetShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "caller must be a hex address")
		return
	}
	if err := s.engine.SetEmergencyShutdown(caller, req.Active); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.Warn("emergency shutdown toggled", slog.Bool("active", req.Active))
	s.writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeEngineError maps engine and market sentinels onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, strategy.ErrInvalidParameter),
		errors.Is(err, strategy.ErrZeroShares),
		errors.Is(err, strategy.ErrInsufficientShares):
		status = http.StatusBadRequest
	case errors.Is(err, strategy.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, strategy.ErrInsufficientLiquidity),
		errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, strategy.ErrCollateralRatioBreach):
		status = http.StatusConflict
	case errors.Is(err, strategy.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, market.ErrMarketUnavailable):
		status = http.StatusBadGateway
	}
	s.writeError(w, r, status, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status >= 500 {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", message),
		)
	}
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) journalEvent(ctx context.Context, event keeper.Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, event); err != nil {
		s.log.Error("journal write failed", slog.String("error", err.Error()))
	}
}

func parseAmount(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() <= 0 {
		return nil, false
	}
	return value, true
}

func parseAddress(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
