// Package server exposes the deal lifecycle over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"tolio/escrow"
	"tolio/gateway/auth"
	gwmw "tolio/gateway/middleware"
	"tolio/ledger"
	"tolio/settlement"
)

// Server routes deal API requests to the orchestrator.
type Server struct {
	engine   *escrow.Engine
	verifier *auth.Verifier
	db       *gorm.DB
	log      *slog.Logger
	limiter  *gwmw.RateLimiter
}

// New builds a server over the engine. db backs the idempotency middleware.
func New(engine *escrow.Engine, verifier *auth.Verifier, db *gorm.DB, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:   engine,
		verifier: verifier,
		db:       db,
		log:      log,
		limiter: gwmw.NewRateLimiter(map[string]gwmw.RateLimit{
			"mutate": {RequestsPerMinute: 60, Burst: 10},
			"read":   {RequestsPerMinute: 240, Burst: 30},
		}),
	}
}

// Handler assembles the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(gwmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Use(gwmw.WithIdempotency(s.db))

		mutate := s.limiter.Middleware("mutate")
		read := s.limiter.Middleware("read")

		r.With(mutate).Post("/deals", s.handleCreateDeal)
		r.Route("/deals/{dealID}", func(r chi.Router) {
			r.With(read).Get("/", s.handleGetDeal)
			r.With(read).Get("/events", s.handleGetEvents)
			r.With(mutate).Post("/confirm-pickup", s.handleConfirmPickup)
			r.With(mutate).Post("/capture", s.handleCapture)
			r.With(mutate).Post("/cancel", s.handleCancel)
			r.With(mutate).Post("/refund", s.handleRefund)
			r.With(mutate).Post("/dispute", s.handleDispute)
			r.With(mutate).Post("/deposit/release", s.handleReleaseDeposit)
			r.With(auth.RequireAdmin, mutate).Post("/resolve", s.handleResolve)
		})
	})
	return r
}

type createDealRequest struct {
	BookingID       string `json:"bookingId"`
	RenterID        string `json:"renterId"`
	OwnerID         string `json:"ownerId"`
	Amount          int64  `json:"amount"`
	SecurityDeposit int64  `json:"securityDeposit"`
	Currency        string `json:"currency"`
	FeeBps          uint32 `json:"feeBps"`
	Rail            string `json:"rail"`
	PaymentMethod   string `json:"paymentMethod"`
	ItemRef         string `json:"itemRef"`
	Notes           string `json:"notes"`
}

type dealResponse struct {
	Deal           *ledger.Deal `json:"deal"`
	RequiresAction bool         `json:"requiresAction,omitempty"`
	ClientSecret   string       `json:"clientSecret,omitempty"`
	CheckoutURL    string       `json:"checkoutUrl,omitempty"`
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	subject := auth.Subject(r.Context())
	if !auth.IsAdmin(r.Context()) && req.RenterID != subject {
		writeError(w, http.StatusForbidden, "deals are created by their renter")
		return
	}
	result, err := s.engine.Initiate(r.Context(), escrow.InitiateRequest{
		BookingID:       req.BookingID,
		RenterID:        req.RenterID,
		OwnerID:         req.OwnerID,
		Amount:          req.Amount,
		SecurityDeposit: req.SecurityDeposit,
		Currency:        req.Currency,
		FeeBps:          req.FeeBps,
		Rail:            ledger.SettlementRail(req.Rail),
		PaymentMethod:   req.PaymentMethod,
		ItemRef:         req.ItemRef,
		Notes:           req.Notes,
	})
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	status := http.StatusCreated
	if result.RequiresAction {
		status = http.StatusAccepted
	}
	writeJSON(w, status, dealResponse{
		Deal:           result.Deal,
		RequiresAction: result.RequiresAction,
		ClientSecret:   result.ClientSecret,
		CheckoutURL:    result.CheckoutURL,
	})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	deal, ok := s.loadDeal(w, r)
	if !ok {
		return
	}
	if !s.partyOrAdmin(r, deal) {
		writeError(w, http.StatusForbidden, "not a party to this deal")
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	deal, ok := s.loadDeal(w, r)
	if !ok {
		return
	}
	if !s.partyOrAdmin(r, deal) {
		writeError(w, http.StatusForbidden, "not a party to this deal")
		return
	}
	events, err := s.engine.Events(r.Context(), deal.ID)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleConfirmPickup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	deal, err := s.engine.ConfirmPickup(r.Context(), id, auth.Subject(r.Context()))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	deal, err := s.engine.Capture(ctx, id, auth.Subject(ctx), auth.IsAdmin(ctx))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	deal, err := s.engine.Cancel(ctx, id, auth.Subject(ctx), auth.IsAdmin(ctx))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	ctx := r.Context()
	deal, err := s.engine.Refund(ctx, id, req.Amount, auth.Subject(ctx), auth.IsAdmin(ctx))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	deal, err := s.engine.Dispute(r.Context(), id, auth.Subject(r.Context()))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deal, err := s.engine.Resolve(r.Context(), id, escrow.ResolveOutcome(req.Outcome), auth.Subject(r.Context()))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

func (s *Server) handleReleaseDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDealID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	deal, err := s.engine.ReleaseDeposit(ctx, id, auth.Subject(ctx), auth.IsAdmin(ctx))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: deal})
}

func (s *Server) loadDeal(w http.ResponseWriter, r *http.Request) (*ledger.Deal, bool) {
	id, ok := parseDealID(w, r)
	if !ok {
		return nil, false
	}
	deal, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, err)
		return nil, false
	}
	return deal, true
}

func (s *Server) partyOrAdmin(r *http.Request, deal *ledger.Deal) bool {
	if auth.IsAdmin(r.Context()) {
		return true
	}
	subject := auth.Subject(r.Context())
	return subject == deal.RenterID || subject == deal.OwnerID
}

func parseDealID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return uuid.Nil, false
	}
	return id, true
}

// writeOperationError maps orchestrator and adapter errors onto HTTP status
// codes. Unknown-outcome errors return 202: the operation may still land and
// the caller should poll.
func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrDealNotFound):
		writeError(w, http.StatusNotFound, "deal not found")
	case errors.Is(err, escrow.ErrNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrOperationInFlight),
		errors.Is(err, escrow.ErrDuplicateBooking),
		errors.Is(err, settlement.ErrAlreadyCaptured),
		errors.Is(err, settlement.ErrAlreadyPickedUp):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrDeclined),
		errors.Is(err, settlement.ErrAuthRequired),
		errors.Is(err, settlement.ErrInsufficientAllowance):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, escrow.ErrRefundTooLarge),
		errors.Is(err, settlement.ErrRefundExceedsCaptured),
		errors.Is(err, ledger.ErrNoDeposit),
		errors.Is(err, ledger.ErrDepositAlreadyReleased),
		errors.Is(err, settlement.ErrUnsupported),
		errors.Is(err, settlement.ErrPickupNotConfirmed):
		writeError(w, http.StatusBadRequest, err.Error())
	case settlement.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "settlement provider unavailable, retry with the same idempotency key")
	default:
		if pending, ok := settlement.AsPending(err); ok {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "pending_confirmation",
				"txHash": pending.TxHash,
			})
			return
		}
		s.log.Error("operation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
