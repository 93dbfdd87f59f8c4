// Package challenge provides the HTTP handlers for starting challenge
// sessions, placing orders, querying portfolios, and reading leaderboards.
//
// All monetary values use shopspring/decimal — never float64 for money.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/execution"
	"github.com/seongmin1117/stock-quest-sub011/internal/leaderboard"
	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/pricing"
	"github.com/seongmin1117/stock-quest-sub011/internal/session"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

// Service handles challenge-session operations. Every mutation of one
// session's ledger runs under that session's lock; different sessions
// never contend.
type Service struct {
	store    store.Store
	registry *masking.Registry
	ledger   *ledger.Ledger
	source   pricing.Source
	engine   *execution.Engine
	machine  *session.Machine
	ranker   *leaderboard.Ranker
	locks    *session.KeyedLocks
	wsHub    *WSHub // optional, nil disables broadcasting
}

// NewService creates a new challenge service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(
	st store.Store,
	registry *masking.Registry,
	l *ledger.Ledger,
	src pricing.Source,
	engine *execution.Engine,
	machine *session.Machine,
	ranker *leaderboard.Ranker,
	locks *session.KeyedLocks,
	hub *WSHub,
) *Service {
	return &Service{
		store:    st,
		registry: registry,
		ledger:   l,
		source:   src,
		engine:   engine,
		machine:  machine,
		ranker:   ranker,
		locks:    locks,
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// InstrumentSpec is one real instrument in a StartChallengeRequest.
type InstrumentSpec struct {
	Ticker     string               `json:"ticker"`
	Name       string               `json:"name"`
	HiddenName string               `json:"hidden_name,omitempty"`
	Type       model.InstrumentType `json:"type"`
}

// StartChallengeRequest is the JSON body for POST /challenges/{id}/start.
// Instruments are used only on the challenge's first session, when the
// masked mapping does not exist yet.
type StartChallengeRequest struct {
	UserID      string           `json:"user_id"`
	SeedBalance decimal.Decimal  `json:"seed_balance"`
	SpeedFactor int              `json:"speed_factor"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Instruments []InstrumentSpec `json:"instruments,omitempty"`
}

// StartChallengeResponse is the JSON body returned from a session start.
type StartChallengeResponse struct {
	Session     *model.ChallengeSession   `json:"session"`
	Instruments []model.InstrumentMapping `json:"instruments"`
}

// OrderRequest is the JSON body for POST /sessions/{id}/orders.
type OrderRequest struct {
	InstrumentKey string          `json:"instrument_key"` // masked: "A", "B", ...
	Side          model.OrderSide `json:"side"`
	Type          model.OrderType `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
}

// PortfolioResponse is the JSON body for GET /sessions/{id}/portfolio.
// Instrument identities stay masked until the session closes.
type PortfolioResponse struct {
	Session     *model.ChallengeSession   `json:"session"`
	Snapshot    *model.PortfolioSnapshot  `json:"snapshot"`
	Instruments []model.InstrumentMapping `json:"instruments"`
}

// --- HTTP Handlers ---

// StartChallenge handles POST /api/v1/challenges/{challengeID}/start.
// Creates the user's session and activates it immediately; the first
// session of a challenge also assigns the masked instrument mapping.
func (s *Service) StartChallenge(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")

	var req StartChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.SeedBalance.IsPositive() {
		writeError(w, "seed_balance must be positive", http.StatusBadRequest)
		return
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		writeError(w, "period_end must be after period_start", http.StatusBadRequest)
		return
	}
	if req.SpeedFactor <= 0 {
		req.SpeedFactor = 1
	}

	ctx := r.Context()

	mappings, err := s.registry.Masked(ctx, challengeID)
	if err != nil {
		writeError(w, "failed to load instruments", http.StatusInternalServerError)
		return
	}
	// The first session of a challenge finds no mapping yet and must
	// bring the instrument list; later sessions reuse what exists.
	if len(mappings) == 0 {
		if len(req.Instruments) == 0 {
			writeError(w, "challenge has no instruments assigned", http.StatusBadRequest)
			return
		}
		instruments := make([]masking.Instrument, len(req.Instruments))
		for i, ins := range req.Instruments {
			instruments[i] = masking.Instrument{
				Ticker:     ins.Ticker,
				Name:       ins.Name,
				HiddenName: ins.HiddenName,
				Type:       ins.Type,
			}
		}
		mappings, err = s.registry.Assign(ctx, challengeID, instruments)
	}
	if err != nil {
		switch {
		case errors.Is(err, masking.ErrInvalidTicker),
			errors.Is(err, masking.ErrTooManyInstruments):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, masking.ErrAlreadyAssigned):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, "failed to prepare instruments", http.StatusInternalServerError)
		}
		return
	}

	sess := &model.ChallengeSession{
		ID:          uuid.New().String(),
		ChallengeID: challengeID,
		UserID:      req.UserID,
		SeedBalance: req.SeedBalance,
		SpeedFactor: req.SpeedFactor,
		PeriodStart: req.PeriodStart.UTC(),
		PeriodEnd:   req.PeriodEnd.UTC(),
	}
	if err := s.machine.Create(ctx, sess); err != nil {
		writeError(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	if err := s.machine.Start(ctx, sess); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	// Strip real identities for the wire; mappings are pre-reveal here.
	masked := make([]model.InstrumentMapping, len(mappings))
	for i, m := range mappings {
		masked[i] = m.Masked()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(StartChallengeResponse{
		Session:     sess,
		Instruments: masked,
	})
}

// PlaceOrder handles POST /api/v1/sessions/{sessionID}/orders.
// Resolves the order synchronously; a rejected order is a successful
// response carrying status REJECTED and a reason code.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	// Serialize per session: validate-then-fill must be atomic against
	// a double-submitted order on the same session.
	lock := s.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	if err := s.machine.EnsureTradable(sess, time.Now().UTC()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	order, err := s.engine.Execute(ctx, sess, execution.Request{
		InstrumentKey: req.InstrumentKey,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrInvalidOrder),
			errors.Is(err, execution.ErrInvalidSymbol):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, pricing.ErrMarketDataUnavailable):
			writeError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			writeError(w, "order execution failed", http.StatusInternalServerError)
		}
		return
	}

	metrics.OrderLatency.WithLabelValues(string(order.Side)).Observe(time.Since(start).Seconds())

	if s.wsHub != nil && order.Status == model.OrderExecuted {
		s.wsHub.Broadcast(WSMessage{
			Type:          "order_executed",
			SessionID:     sess.ID,
			ChallengeID:   sess.ChallengeID,
			InstrumentKey: order.InstrumentKey,
			Side:          string(order.Side),
			Status:        string(order.Status),
			Quantity:      order.Quantity.String(),
			ExecutedPrice: order.ExecutedPrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// GetPortfolio handles GET /api/v1/sessions/{sessionID}/portfolio.
// Every position is valued at the session's current simulated timestamp.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}

	asOf := pricing.SimulatedNow(sess, time.Now().UTC())
	snap, err := s.ledger.Valuate(ctx, sess, asOf, func(ctx context.Context, key string, at time.Time) (decimal.Decimal, error) {
		bar, err := s.source.GetBar(ctx, sess.ChallengeID, key, at)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return bar.Close, nil
	})
	if err != nil {
		writeError(w, "portfolio valuation failed", http.StatusServiceUnavailable)
		return
	}

	mappings, err := s.registry.Masked(ctx, sess.ChallengeID)
	if err != nil {
		writeError(w, "failed to load instruments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PortfolioResponse{
		Session:     sess,
		Snapshot:    snap,
		Instruments: mappings,
	})
}

// CloseSession handles POST /api/v1/sessions/{sessionID}/close.
// Freezes the final figures and reveals real instrument identities.
// Closing an already completed session returns the frozen result.
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, sess *model.ChallengeSession) error {
		if err := s.machine.Close(ctx, sess); err != nil {
			return err
		}
		// Final rank snapshot reflects the close immediately.
		if _, err := s.ranker.Recompute(ctx, sess.ChallengeID); err != nil {
			slog.Warn("leaderboard recompute after close failed",
				"challenge", sess.ChallengeID, "error", err)
		}
		return nil
	})
}

// PauseSession handles POST /api/v1/sessions/{sessionID}/pause.
func (s *Service) PauseSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.machine.Pause)
}

// ResumeSession handles POST /api/v1/sessions/{sessionID}/resume.
func (s *Service) ResumeSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.machine.Resume)
}

// CancelSession handles POST /api/v1/sessions/{sessionID}/cancel.
func (s *Service) CancelSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.machine.ForceEnd)
}

// transition runs one lifecycle change under the session's lock and
// returns the updated session.
func (s *Service) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sess *model.ChallengeSession) error) {
	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	lock := s.locks.Get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}

	if err := fn(ctx, sess); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidSessionState):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, pricing.ErrMarketDataUnavailable):
			writeError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			writeError(w, "session transition failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// GetLeaderboard handles GET /api/v1/challenges/{challengeID}/leaderboard.
// Serves the stored snapshot; an empty board triggers one recompute so a
// fresh challenge is not blank until the first job cycle.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")
	ctx := r.Context()

	entries, err := s.store.GetLeaderboard(ctx, challengeID)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		if entries, err = s.ranker.Recompute(ctx, challengeID); err != nil {
			writeError(w, "failed to compute leaderboard", http.StatusInternalServerError)
			return
		}
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
