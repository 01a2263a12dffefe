package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/breaker"
	"github.com/inaiurai/idleclaim/internal/claims"
	"github.com/inaiurai/idleclaim/internal/middleware"
	"github.com/inaiurai/idleclaim/internal/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Earnings is the claim coordinator as seen by the handler.
type Earnings interface {
	Status(ctx context.Context, accountID uuid.UUID) (*claims.StatusResult, error)
	Claim(ctx context.Context, accountID uuid.UUID) (*claims.ClaimResult, error)
}

// LedgerLister reads claim history.
type LedgerLister interface {
	ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditLedger, error)
}

// BreakerSnapshots exposes breaker state for operators.
type BreakerSnapshots interface {
	Snapshots() []breaker.Snapshot
}

// EarningsHandler serves /api/v1/earnings and /api/v1/ops endpoints.
type EarningsHandler struct {
	Earnings Earnings
	Ledger   LedgerLister
	Breakers BreakerSnapshots
	Logger   logrus.FieldLogger
}

// --- GET /api/v1/earnings/status ---

type StatusResponse struct {
	MinutesOffline     int64      `json:"minutes_offline"`
	AvailableAmount    int64      `json:"available_amount"`
	RatePerHour        int64      `json:"rate_per_hour"`
	CanClaim           bool       `json:"can_claim"`
	CurrentBalance     int64      `json:"current_balance"`
	MaxClaimHours      float64    `json:"max_claim_hours"`
	LastClaimTime      time.Time  `json:"last_claim_time"`
	NextClaimAvailable *time.Time `json:"next_claim_available,omitempty"`
}

// Status handles GET /api/v1/earnings/status.
func (h *EarningsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := middleware.AccountIDFromCtx(r.Context())
	st, err := h.Earnings.Status(r.Context(), id)
	if err != nil {
		h.writeEarningsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		MinutesOffline:     st.MinutesOffline,
		AvailableAmount:    st.AvailableAmount,
		RatePerHour:        st.RatePerHour,
		CanClaim:           st.CanClaim,
		CurrentBalance:     st.CurrentBalance,
		MaxClaimHours:      st.MaxClaimHours,
		LastClaimTime:      st.LastClaimTime,
		NextClaimAvailable: st.NextClaimAt,
	})
}

// --- POST /api/v1/earnings/claim ---

type ClaimResponse struct {
	Claimed            int64      `json:"claimed"`
	NewBalance         int64      `json:"new_balance"`
	OldBalance         int64      `json:"old_balance"`
	MinutesOffline     int64      `json:"minutes_offline"`
	RatePerHour        int64      `json:"rate_per_hour"`
	ClaimedAt          time.Time  `json:"claimed_at"`
	NextClaimAvailable *time.Time `json:"next_claim_available,omitempty"`
}

// NothingOwedResponse is returned when there was nothing to claim.
type NothingOwedResponse struct {
	Claimed    int64 `json:"claimed"`
	NewBalance int64 `json:"new_balance"`
	// NextClaimIn is whole seconds until a unit accrues; absent when the
	// account earns nothing.
	NextClaimIn *int64 `json:"next_claim_in,omitempty"`
}

// Claim handles POST /api/v1/earnings/claim.
func (h *EarningsHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id := middleware.AccountIDFromCtx(r.Context())
	res, err := h.Earnings.Claim(r.Context(), id)
	if err != nil {
		h.writeEarningsError(w, r, err)
		return
	}
	if res.Claimed == 0 {
		writeJSON(w, http.StatusOK, NothingOwedResponse{
			Claimed:     0,
			NewBalance:  res.NewBalance,
			NextClaimIn: secondsUntil(res.NextClaimAt, res.Now),
		})
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		Claimed:            res.Claimed,
		NewBalance:         res.NewBalance,
		OldBalance:         res.OldBalance,
		MinutesOffline:     res.MinutesOffline,
		RatePerHour:        res.RatePerHour,
		ClaimedAt:          res.Now,
		NextClaimAvailable: res.NextClaimAt,
	})
}

func secondsUntil(at *time.Time, now time.Time) *int64 {
	if at == nil {
		return nil
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	s := int64(math.Ceil(d.Seconds()))
	return &s
}

// --- GET /api/v1/earnings/history ---

type HistoryResponse struct {
	Entries []*models.CreditLedger `json:"entries"`
}

// History handles GET /api/v1/earnings/history?limit=N.
func (h *EarningsHandler) History(w http.ResponseWriter, r *http.Request) {
	id := middleware.AccountIDFromCtx(r.Context())
	if id == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := h.Ledger.ListLedger(r.Context(), id, limit)
	if err != nil {
		h.logger().WithError(err).WithField("account_id", id).Warn("list ledger failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
		return
	}
	if entries == nil {
		entries = []*models.CreditLedger{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// --- GET /api/v1/ops/breakers ---

type BreakersResponse struct {
	Breakers []breaker.Snapshot `json:"breakers"`
}

// BreakerStates handles GET /api/v1/ops/breakers.
func (h *EarningsHandler) BreakerStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BreakersResponse{Breakers: h.Breakers.Snapshots()})
}

// writeEarningsError maps coordinator errors to status codes. Storage detail
// never reaches the client.
func (h *EarningsHandler) writeEarningsError(w http.ResponseWriter, r *http.Request, err error) {
	var open *claims.BreakerOpenError
	switch {
	case errors.Is(err, claims.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid account id")
	case errors.Is(err, claims.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, claims.ErrConcurrentClaim):
		writeError(w, http.StatusConflict, "claim already in progress")
	case errors.As(err, &open):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(open.RetryAfter.Seconds())), 10))
		writeError(w, http.StatusServiceUnavailable, "try again later")
	case errors.Is(err, claims.ErrPersistence):
		h.logger().WithError(err).WithField("path", r.URL.Path).Warn("earnings request failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	case errors.Is(err, context.Canceled):
		h.logger().WithField("path", r.URL.Path).Debug("client went away")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	default:
		h.logger().WithError(err).WithField("path", r.URL.Path).Error("unexpected earnings error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *EarningsHandler) logger() logrus.FieldLogger {
	if h.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
