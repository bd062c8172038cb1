package house

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/store"
)

// CallerHeader carries the identity of the party making a request.
const CallerHeader = "X-Caller-ID"

// --- Request/Response types ---

// CreateAuctionRequest is the JSON body for auction creation.
type CreateAuctionRequest struct {
	Beneficiary     string `json:"beneficiary"`      // defaults to the caller
	DurationSeconds int64  `json:"duration_seconds"` // bidding period
}

// BidRequest is the JSON body for POST /auctions/{auctionID}/bids.
type BidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// WinnerResponse is returned from GET /auctions/{auctionID}/winner.
type WinnerResponse struct {
	AuctionID string          `json:"auction_id"`
	Winner    string          `json:"winner"` // empty when there were no bids
	Amount    decimal.Decimal `json:"amount"`
}

// WithdrawResponse is returned from every withdrawal endpoint.
type WithdrawResponse struct {
	AuctionID string          `json:"auction_id"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// Routes registers the auction API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/auctions", s.handleListAuctions)
	r.Post("/auctions", s.handleCreateAuction)
	r.Route("/auctions/{auctionID}", func(r chi.Router) {
		r.Get("/", s.handleGetAuction)
		r.Post("/bids", s.handlePlaceBid)
		r.Get("/winner", s.handleWinner)
		r.Post("/end", s.handleEndAuction)
		r.Post("/withdraw/partial", s.handlePartialWithdraw)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/settle", s.handleSettle)
		r.Post("/beneficiary/withdraw", s.handleBeneficiaryWithdraw)
		r.Get("/events", s.handleEvents)
		r.Get("/payouts", s.handlePayouts)
	})
	r.Get("/payouts/{recipient}", s.handlePayoutsTo)
}

// --- HTTP Handlers ---

// handleCreateAuction handles POST /api/v1/auctions
func (s *Service) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Beneficiary == "" {
		req.Beneficiary = r.Header.Get(CallerHeader)
	}

	v, err := s.CreateAuction(r.Context(), req.Beneficiary, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// handleListAuctions handles GET /api/v1/auctions
func (s *Service) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	views, err := s.ListAuctions(r.Context())
	if err != nil {
		writeError(w, "failed to list auctions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	v, err := s.GetAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handlePlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (s *Service) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	v, err := s.PlaceBid(r.Context(), chi.URLParam(r, "auctionID"), caller, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleWinner handles GET /api/v1/auctions/{auctionID}/winner
func (s *Service) handleWinner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auctionID")
	winner, amount, err := s.Winner(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WinnerResponse{AuctionID: id, Winner: winner, Amount: amount})
}

// handleEndAuction handles POST /api/v1/auctions/{auctionID}/end
func (s *Service) handleEndAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	v, err := s.EndAuction(r.Context(), chi.URLParam(r, "auctionID"), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handlePartialWithdraw handles POST /api/v1/auctions/{auctionID}/withdraw/partial
func (s *Service) handlePartialWithdraw(w http.ResponseWriter, r *http.Request) {
	s.withdrawWith(w, r, s.PartialWithdraw)
}

// handleWithdraw handles POST /api/v1/auctions/{auctionID}/withdraw
func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.withdrawWith(w, r, s.Withdraw)
}

// handleBeneficiaryWithdraw handles POST /api/v1/auctions/{auctionID}/beneficiary/withdraw
func (s *Service) handleBeneficiaryWithdraw(w http.ResponseWriter, r *http.Request) {
	s.withdrawWith(w, r, s.BeneficiaryWithdraw)
}

type withdrawFunc func(ctx context.Context, id, caller string) (decimal.Decimal, error)

func (s *Service) withdrawWith(w http.ResponseWriter, r *http.Request, fn withdrawFunc) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "auctionID")
	paid, err := fn(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{AuctionID: id, Recipient: caller, Amount: paid})
}

// handleSettle handles POST /api/v1/auctions/{auctionID}/settle[?limit=N]
func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	limit := -1
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	report, err := s.Settle(r.Context(), chi.URLParam(r, "auctionID"), caller, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEvents handles GET /api/v1/auctions/{auctionID}/events
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Events(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handlePayouts handles GET /api/v1/auctions/{auctionID}/payouts
func (s *Service) handlePayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.Payouts(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// handlePayoutsTo handles GET /api/v1/payouts/{recipient}
func (s *Service) handlePayoutsTo(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.PayoutsTo(r.Context(), chi.URLParam(r, "recipient"))
	if err != nil {
		writeError(w, "failed to load payouts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// --- Helpers ---

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		writeError(w, CallerHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrInvariant):
		return http.StatusInternalServerError
	case errors.Is(err, auction.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, auction.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrInvalidDuration),
		errors.Is(err, auction.ErrInvalidIdentity),
		errors.Is(err, auction.ErrSelfBidding),
		errors.Is(err, auction.ErrZeroAmount),
		errors.Is(err, auction.ErrInvalidAmount),
		errors.Is(err, auction.ErrIncrementTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrNotInitialized),
		errors.Is(err, auction.ErrAuctionInactive),
		errors.Is(err, auction.ErrAuctionAlreadyEnded),
		errors.Is(err, auction.ErrAlreadyEnded),
		errors.Is(err, auction.ErrTooEarly),
		errors.Is(err, auction.ErrNoExcessFunds),
		errors.Is(err, auction.ErrNothingToSettle),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
