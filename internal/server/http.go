package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"LevVault/internal/commitment"
	"LevVault/internal/core"
	"LevVault/internal/observability"
	"LevVault/internal/vault"

	"github.com/rs/zerolog"
)

// callerHeader carries the identity a request executes as. In production
// the gateway in front of this service sets it after authentication.
const callerHeader = "X-Vault-Caller"

// HTTPServer exposes the vault call and query surface over JSON.
type HTTPServer struct {
	engine  *core.Engine
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHTTPServer(
	engine *core.Engine,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *HTTPServer {
	return &HTTPServer{
		engine:  engine,
		health:  health,
		metrics: metrics,
		log:     log,
	}
}

// Handler builds the route table.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	mux.HandleFunc("POST /v1/vault/initialize", s.handleInitialize)
	mux.HandleFunc("GET /v1/vault", s.handleGetVault)

	mux.HandleFunc("POST /v1/markets", s.handleAddMarket)
	mux.HandleFunc("GET /v1/markets", s.handleListMarkets)
	mux.HandleFunc("GET /v1/markets/{id}", s.handleGetMarket)

	mux.HandleFunc("POST /v1/positions/open", s.handleOpenPosition)
	mux.HandleFunc("POST /v1/positions/resolve", s.handleResolvePosition)
	mux.HandleFunc("POST /v1/positions/close", s.handleClosePosition)
	mux.HandleFunc("POST /v1/positions/evaluate", s.handleEvaluatePosition)
	mux.HandleFunc("GET /v1/positions", s.handleListPositions)
	mux.HandleFunc("GET /v1/positions/pending", s.handleListPending)
	mux.HandleFunc("GET /v1/positions/{id}", s.handleGetPosition)

	return mux
}

func (s *HTTPServer) caller(r *http.Request) (vault.Address, error) {
	raw := r.Header.Get(callerHeader)
	if raw == "" {
		return vault.Address{}, errors.New("missing " + callerHeader + " header")
	}
	return vault.AddressFromHex(raw)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("encode response failed")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// httpStatus maps the fault taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrMarketNotFound),
		errors.Is(err, vault.ErrPositionNotFound),
		errors.Is(err, vault.ErrUnknownCommitment):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrDuplicateMarket),
		errors.Is(err, vault.ErrDuplicateCommitment),
		errors.Is(err, vault.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, vault.ErrInvalidLeverage),
		errors.Is(err, vault.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrExposureCapExceeded),
		errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrNotInitialized):
		return http.StatusUnprocessableEntity
	case vault.IsIntegrityFault(err):
		// Insolvency and overflow are vault-side refusals, not caller errors.
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) observe(endpoint string, status int, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type initializeRequest struct {
	Admin     string `json:"admin"`
	Liquidity int64  `json:"liquidity"`
	At        int64  `json:"at"`
}

func (s *HTTPServer) handleInitialize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, err := s.caller(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req initializeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	admin, err := vault.AddressFromHex(req.Admin)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	call := &core.Initialize{From: caller, Admin: admin, Liquidity: req.Liquidity, At: req.At}
	if err := s.engine.Submit(r.Context(), call); err != nil {
		s.writeError(w, err)
		s.observe("initialize", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	s.observe("initialize", http.StatusOK, start)
}

func (s *HTTPServer) handleGetVault(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var out struct {
		Initialized  bool   `json:"initialized"`
		Admin        string `json:"admin"`
		Liquidity    int64  `json:"liquidity"`
		PendingCount int    `json:"pending_count"`
	}
	err := s.engine.Query(r.Context(), func(v *vault.Vault) error {
		out.Initialized = v.Initialized()
		out.Admin = v.Admin().String()
		out.Liquidity = v.Liquidity()
		out.PendingCount = v.PendingCount()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("get_vault", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
	s.observe("get_vault", http.StatusOK, start)
}

func (s *HTTPServer) handleAddMarket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, err := s.caller(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req struct {
		Market vault.Market `json:"market"`
		At     int64        `json:"at"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	call := &core.AddMarket{From: caller, Market: req.Market, At: req.At}
	if err := s.engine.Submit(r.Context(), call); err != nil {
		s.writeError(w, err)
		s.observe("add_market", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	s.observe("add_market", http.StatusOK, start)
}

func (s *HTTPServer) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var markets []vault.Market
	err := s.engine.Query(r.Context(), func(v *vault.Vault) error {
		markets = v.Markets()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("list_markets", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
	s.observe("list_markets", http.StatusOK, start)
}

func (s *HTTPServer) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid market id"})
		return
	}

	var market vault.Market
	err = s.engine.Query(r.Context(), func(v *vault.Vault) error {
		m, err := v.Market(id)
		if err != nil {
			return err
		}
		market = m
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("get_market", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, market)
	s.observe("get_market", http.StatusOK, start)
}

type openPositionRequest struct {
	Collateral  int64  `json:"collateral"`
	MarketID    uint64 `json:"market_id"`
	MarketPrice int64  `json:"market_price"`
	PosType     string `json:"pos_type"`
	Leverage    int64  `json:"leverage"`
	Owner       string `json:"owner"`
	SecretHash  string `json:"secret_hash"`
	At          int64  `json:"at"`
}

func (s *HTTPServer) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, err := s.caller(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req openPositionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	posType, err := vault.ParsePosType(req.PosType)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := vault.AddressFromHex(req.Owner)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	secretHash, err := commitment.HashFromHex(req.SecretHash)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	call := &core.OpenPosition{
		From:        caller,
		Collateral:  req.Collateral,
		MarketID:    req.MarketID,
		MarketPrice: req.MarketPrice,
		PosType:     posType,
		Leverage:    req.Leverage,
		Owner:       owner,
		SecretHash:  secretHash,
		At:          req.At,
	}
	if err := s.engine.Submit(r.Context(), call); err != nil {
		s.writeError(w, err)
		s.observe("open_position", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "pending",
		"secret_hash": secretHash.String(),
	})
	s.observe("open_position", http.StatusOK, start)
}

func (s *HTTPServer) handleResolvePosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, err := s.caller(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req struct {
		Secret string `json:"secret"`
		At     int64  `json:"at"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	secret, err := commitment.SecretFromHex(req.Secret)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	call := &core.ResolveOpenPosition{From: caller, Secret: secret, At: req.At}
	if err := s.engine.Submit(r.Context(), call); err != nil {
		s.writeError(w, err)
		s.observe("resolve_position", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	s.observe("resolve_position", http.StatusOK, start)
}

type closePositionRequest struct {
	Owner      string `json:"owner"`
	PositionID uint64 `json:"position_id"`
	ClosePrice int64  `json:"close_price"`
	At         int64  `json:"at"`
}

func (s *HTTPServer) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, err := s.caller(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req closePositionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := vault.AddressFromHex(req.Owner)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	call := &core.ClosePosition{
		From:       caller,
		Owner:      owner,
		PositionID: req.PositionID,
		ClosePrice: req.ClosePrice,
		At:         req.At,
	}
	if err := s.engine.Submit(r.Context(), call); err != nil {
		s.writeError(w, err)
		s.observe("close_position", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	s.observe("close_position", http.StatusOK, start)
}

func (s *HTTPServer) handleEvaluatePosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req closePositionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := vault.AddressFromHex(req.Owner)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var ev vault.Evaluation
	err = s.engine.Query(r.Context(), func(v *vault.Vault) error {
		result, err := v.EvaluatePosition(owner, req.PositionID, req.ClosePrice, req.At)
		if err != nil {
			return err
		}
		ev = result
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("evaluate_position", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
	s.observe("evaluate_position", http.StatusOK, start)
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner, err := vault.AddressFromHex(r.URL.Query().Get("owner"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid owner"})
		return
	}

	var out struct {
		Positions []vault.Position `json:"positions"`
		LastPosID uint64           `json:"last_pos_id"`
	}
	err = s.engine.Query(r.Context(), func(v *vault.Vault) error {
		out.Positions = v.Positions(owner)
		out.LastPosID = v.LastPosID(owner)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("list_positions", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
	s.observe("list_positions", http.StatusOK, start)
}

func (s *HTTPServer) handleListPending(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var out struct {
		Pending []vault.Position `json:"pending"`
		Count   int              `json:"count"`
	}
	err := s.engine.Query(r.Context(), func(v *vault.Vault) error {
		out.Pending = v.PendingPositions()
		out.Count = len(out.Pending)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("list_pending", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
	s.observe("list_pending", http.StatusOK, start)
}

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid position id"})
		return
	}
	owner, err := vault.AddressFromHex(r.URL.Query().Get("owner"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid owner"})
		return
	}

	var pos vault.Position
	err = s.engine.Query(r.Context(), func(v *vault.Vault) error {
		p, err := v.Position(owner, id)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		s.observe("get_position", httpStatus(err), start)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
	s.observe("get_position", http.StatusOK, start)
}
