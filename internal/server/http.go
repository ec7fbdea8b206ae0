// Package server exposes the order lifecycle and read views over HTTP/JSON.
// Mutating endpoints accept ?simulate=true to run the read-only twin of the
// operation against the same precondition checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crosslend/internal/engine"
	"crosslend/internal/ledger"
	"crosslend/internal/observability"
	"crosslend/internal/query"
)

type Server struct {
	engine  *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	logger  zerolog.Logger
	srv     *http.Server
}

// New builds the API server. queries may be nil; read endpoints then fall
// back to the live in-memory ledgers.
func New(addr string, eng *engine.Engine, queries *query.Service, health *observability.HealthChecker, logger zerolog.Logger) *Server {
	s := &Server{engine: eng, queries: queries, health: health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", s.handleCreate)
		r.Get("/orders", s.handleListOrders)
		r.Route("/orders/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetOrder)
			r.Get("/relay", s.handleRelayStatus)
			r.Post("/fund", s.handleFund)
			r.Post("/collateral", s.handleAddCollateral)
			r.Post("/borrow", s.handleBorrow)
			r.Post("/repay", s.handleRepay)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/liquidate", s.handleLiquidate)
		})
		r.Get("/positions/{id}", s.handleGetPosition)
	})
	if health != nil {
		r.Get("/healthz", health.LivenessHandler)
		r.Get("/readyz", health.ReadinessHandler)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- request/response shapes ---

type createRequest struct {
	OrderID   string `json:"order_id"`
	ReserveID string `json:"reserve_id"`
}

type weiRequest struct {
	AmountWei string `json:"amount_wei"`
}

type unitsRequest struct {
	AmountUnits string `json:"amount_units"`
}

type liquidateRequest struct {
	MaxRepayUnits string `json:"max_repay_units,omitempty"`
}

type relayJSON struct {
	Key       string    `json:"key"`
	Delivered bool      `json:"delivered"`
	Attempts  int       `json:"attempts"`
	Deadline  time.Time `json:"deadline"`
}

type errorJSON struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func relayView(r *engine.RelayOutcome) *relayJSON {
	if r == nil {
		return nil
	}
	return &relayJSON{
		Key:       r.Key,
		Delivered: r.Delivered,
		Attempts:  r.Pending.Attempts,
		Deadline:  r.Pending.Deadline,
	}
}

func orderView(o *ledger.Order) *query.OrderView {
	return &query.OrderView{
		OrderID:       o.ID.Hex(),
		Owner:         o.Owner.Hex(),
		ReserveID:     o.ReserveID,
		CollateralWei: o.CollateralAmount.String(),
		UnlockedWei:   o.UnlockedAmount.String(),
		Funded:        o.Funded,
		Repaid:        o.Repaid,
		Liquidated:    o.Liquidated,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		Version:       o.Version,
	}
}

func positionView(p *ledger.MirroredPosition) *query.PositionView {
	return &query.PositionView{
		OrderID:      p.OrderID.Hex(),
		EthAmountWei: p.EthAmountWei.String(),
		BorrowedUsd:  p.BorrowedUsd.String(),
		Open:         p.Open,
		UpdatedAt:    p.UpdatedAt,
		Version:      p.Version,
	}
}

// --- lifecycle handlers ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authOwner(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ReserveID == "" {
		s.badRequest(w, "reserve_id is required")
		return
	}
	var id common.Hash
	if req.OrderID == "" {
		id = newOrderID()
	} else {
		var err error
		id, err = parseOrderID(req.OrderID)
		if err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}

	result, err := s.engine.Create(r.Context(), id, owner, req.ReserveID)
	if err != nil {
		s.writeOpError(w, err, nil)
		return
	}
	s.respond(w, http.StatusCreated, orderView(result.Order))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.collateralOp(w, r, "fund")
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	s.collateralOp(w, r, "collateral")
}

func (s *Server) collateralOp(w http.ResponseWriter, r *http.Request, op string) {
	id, ok := s.authorizeOrder(w, r)
	if !ok {
		return
	}
	var req weiRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.AmountWei)
	if err != nil {
		s.badRequest(w, "amount_wei: "+err.Error())
		return
	}

	if simulating(r) {
		var serr error
		if op == "fund" {
			serr = s.engine.SimulateFund(id, amount)
		} else {
			serr = s.engine.SimulateAddCollateral(id, amount)
		}
		if serr != nil {
			s.writeOpError(w, serr, nil)
			return
		}
		s.respond(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	var result *engine.OrderResult
	if op == "fund" {
		result, err = s.engine.Fund(r.Context(), id, amount)
	} else {
		result, err = s.engine.AddCollateral(r.Context(), id, amount)
	}
	if err != nil {
		var body any
		if result != nil {
			body = map[string]any{"order": orderView(result.Order), "relay": relayView(result.Relay)}
		}
		s.writeOpError(w, err, body)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"order": orderView(result.Order),
		"relay": relayView(result.Relay),
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeOrder(w, r)
	if !ok {
		return
	}
	var req unitsRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.AmountUnits)
	if err != nil {
		s.badRequest(w, "amount_units: "+err.Error())
		return
	}

	if simulating(r) {
		sim, err := s.engine.SimulateBorrow(r.Context(), id, amount)
		if err != nil {
			s.writeOpError(w, err, borrowSimView(sim))
			return
		}
		s.respond(w, http.StatusOK, borrowSimView(sim))
		return
	}

	result, err := s.engine.Borrow(r.Context(), id, amount)
	if err != nil {
		s.writeOpError(w, err, nil)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"position":          positionView(result.Position),
		"fee":               result.Fee.String(),
		"disbursed":         result.Disbursed.String(),
		"health_factor_bps": result.HealthFactorBps.String(),
	})
}

func borrowSimView(sim *engine.BorrowSimulation) map[string]any {
	if sim == nil {
		return nil
	}
	return map[string]any{
		"max_borrow_18":       bigStr(sim.MaxBorrow18),
		"collateral_value_18": bigStr(sim.CollateralValue18),
		"debt_value_18":       bigStr(sim.DebtValue18),
		"health_factor_bps":   bigStr(sim.HealthFactorBps),
		"fee":                 bigStr(sim.Fee),
		"suggested_units":     bigStr(sim.SuggestedUnits),
		"liquidatable":        sim.Liquidatable,
	}
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeOrder(w, r)
	if !ok {
		return
	}
	var req unitsRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.AmountUnits)
	if err != nil {
		s.badRequest(w, "amount_units: "+err.Error())
		return
	}

	if simulating(r) {
		sim, err := s.engine.SimulateRepay(id, amount)
		if err != nil {
			s.writeOpError(w, err, nil)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{
			"unlock_wei":  sim.UnlockWei.String(),
			"full_repay":  sim.FullRepay,
			"debt_before": sim.DebtBefore.String(),
		})
		return
	}

	result, err := s.engine.Repay(r.Context(), id, amount)
	if err != nil {
		var body any
		if result != nil {
			body = repayResultView(result)
		}
		s.writeOpError(w, err, body)
		return
	}
	s.respond(w, http.StatusOK, repayResultView(result))
}

func repayResultView(result *engine.RepayResult) map[string]any {
	return map[string]any{
		"debt_before": result.DebtBefore.String(),
		"debt_after":  result.DebtAfter.String(),
		"unlock_wei":  result.UnlockWei.String(),
		"full_repay":  result.FullRepay,
		"relay":       relayView(result.Relay),
	}
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeOrder(w, r)
	if !ok {
		return
	}

	if simulating(r) {
		sim, err := s.engine.SimulateWithdraw(id)
		if err != nil {
			s.writeOpError(w, err, nil)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{
			"amount": sim.Amount.String(),
			"closes": sim.Closes,
		})
		return
	}

	result, err := s.engine.Withdraw(r.Context(), id)
	if err != nil {
		var body any
		if result != nil {
			body = withdrawResultView(result)
		}
		s.writeOpError(w, err, body)
		return
	}
	s.respond(w, http.StatusOK, withdrawResultView(result))
}

func withdrawResultView(result *engine.WithdrawResult) map[string]any {
	return map[string]any{
		"order":     orderView(result.Order),
		"withdrawn": result.Withdrawn.String(),
		"closed":    result.Closed,
		"relay":     relayView(result.Relay),
	}
}

// handleLiquidate is open to any authenticated caller: liquidation is a
// keeper action, not an owner action.
func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authOwner(w, r); !ok {
		return
	}
	id, err := parseOrderID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	var maxRepay *big.Int
	if req.MaxRepayUnits != "" {
		maxRepay, err = parseAmount(req.MaxRepayUnits)
		if err != nil {
			s.badRequest(w, "max_repay_units: "+err.Error())
			return
		}
	}

	if simulating(r) {
		sim, err := s.engine.SimulateLiquidate(r.Context(), id)
		if err != nil {
			s.writeOpError(w, err, nil)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{
			"liquidatable":  sim.Liquidatable,
			"debt_value_18": sim.DebtValue18.String(),
			"threshold_18":  sim.Threshold18.String(),
		})
		return
	}

	result, err := s.engine.Liquidate(r.Context(), id, maxRepay)
	if err != nil {
		var body any
		if result != nil {
			body = liquidationResultView(result)
		}
		s.writeOpError(w, err, body)
		return
	}
	s.respond(w, http.StatusOK, liquidationResultView(result))
}

func liquidationResultView(result *engine.LiquidationResult) map[string]any {
	body := map[string]any{
		"terminal":     result.Terminal,
		"debt_repaid":  bigStr(result.DebtRepaid),
		"seized_wei":   bigStr(result.SeizedWei),
		"bonus_wei":    bigStr(result.BonusWei),
		"protocol_wei": bigStr(result.ProtocolWei),
		"relay":        relayView(result.Relay),
	}
	if result.Order != nil {
		body["order"] = orderView(result.Order)
	}
	return body
}

// --- read handlers ---

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if s.queries != nil {
		view, err := s.queries.GetOrder(r.Context(), id)
		if err == query.ErrNotFound {
			s.respond(w, http.StatusNotFound, errorJSON{Error: "order not found"})
			return
		}
		if err != nil {
			s.internal(w, err)
			return
		}
		s.respond(w, http.StatusOK, view)
		return
	}
	order, ok := s.engine.GetOrder(id)
	if !ok {
		s.respond(w, http.StatusNotFound, errorJSON{Error: "order not found"})
		return
	}
	s.respond(w, http.StatusOK, orderView(order))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if s.queries != nil {
		view, err := s.queries.GetPosition(r.Context(), id)
		if err == query.ErrNotFound {
			s.respond(w, http.StatusNotFound, errorJSON{Error: "position not found"})
			return
		}
		if err != nil {
			s.internal(w, err)
			return
		}
		s.respond(w, http.StatusOK, view)
		return
	}
	pos, ok := s.engine.GetPosition(id)
	if !ok {
		s.respond(w, http.StatusNotFound, errorJSON{Error: "position not found"})
		return
	}
	s.respond(w, http.StatusOK, positionView(pos))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("owner")
	if !common.IsHexAddress(raw) {
		s.badRequest(w, "owner query parameter must be a hex address")
		return
	}
	owner := common.HexToAddress(raw)

	if s.queries != nil {
		views, err := s.queries.ListOrdersByOwner(r.Context(), owner)
		if err != nil {
			s.internal(w, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"orders": views})
		return
	}
	orders := s.engine.ListOrdersByOwner(owner)
	views := make([]*query.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	s.respond(w, http.StatusOK, map[string]any{"orders": views})
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if s.queries == nil {
		s.respond(w, http.StatusNotImplemented, errorJSON{Error: "relay log requires persistence"})
		return
	}
	status, err := s.queries.GetRelayStatus(r.Context(), id)
	if err != nil {
		s.internal(w, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

// --- helpers ---

// authOwner extracts the caller's address from the bearer token. The token
// is the hex address itself; signature verification lives at the wallet
// boundary, outside this service.
func (s *Server) authOwner(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		s.respond(w, http.StatusUnauthorized, errorJSON{Error: "missing bearer token"})
		return common.Address{}, false
	}
	token := auth[len(prefix):]
	if !common.IsHexAddress(token) {
		s.respond(w, http.StatusUnauthorized, errorJSON{Error: "bearer token must be a hex address"})
		return common.Address{}, false
	}
	return common.HexToAddress(token), true
}

// authorizeOrder checks that the caller owns the order named in the URL.
func (s *Server) authorizeOrder(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	caller, ok := s.authOwner(w, r)
	if !ok {
		return common.Hash{}, false
	}
	id, err := parseOrderID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return common.Hash{}, false
	}
	if order, found := s.engine.GetOrder(id); found && order.Owner != caller {
		s.respond(w, http.StatusForbidden, errorJSON{Error: "caller does not own this order"})
		return common.Hash{}, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// newOrderID draws a random 32-byte id for callers that let the service
// choose one.
func newOrderID() common.Hash {
	var h common.Hash
	a, b := uuid.New(), uuid.New()
	copy(h[:16], a[:])
	copy(h[16:], b[:])
	return h
}

func parseOrderID(raw string) (common.Hash, error) {
	if len(raw) != 66 || raw[:2] != "0x" {
		return common.Hash{}, fmt.Errorf("order id must be a 0x-prefixed 32-byte hex string")
	}
	return common.HexToHash(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, errors.New("amount must be a positive decimal string")
	}
	return v, nil
}

func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func simulating(r *http.Request) bool {
	return r.URL.Query().Get("simulate") == "true"
}

// writeOpError maps an operation error to an HTTP status. A relay timeout
// is not a failure: the origin-side change is committed and the message is
// still in flight, so it answers 202 with whatever result is available.
func (s *Server) writeOpError(w http.ResponseWriter, err error, partial any) {
	var oe *engine.OpError
	if !errors.As(err, &oe) {
		s.internal(w, err)
		return
	}
	if oe.Kind == engine.KindRelayTimeout {
		s.respond(w, http.StatusAccepted, map[string]any{
			"status": "relay_pending",
			"result": partial,
		})
		return
	}

	var status int
	switch oe.Kind {
	case engine.KindPrecondition:
		status = http.StatusUnprocessableEntity
	case engine.KindStalePrice, engine.KindConflict:
		status = http.StatusConflict
	case engine.KindInsufficientFee:
		status = http.StatusPaymentRequired
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindDuplicateMirror:
		// Duplicate application is a no-op success for the caller.
		s.respond(w, http.StatusOK, map[string]string{"status": "already_applied"})
		return
	default:
		s.internal(w, err)
		return
	}
	s.respond(w, status, errorJSON{Error: oe.Error(), Kind: string(oe.Kind)})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.respond(w, http.StatusBadRequest, errorJSON{Error: msg})
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	s.respond(w, http.StatusInternalServerError, errorJSON{Error: "internal error"})
}
