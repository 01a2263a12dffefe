package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/breaker"
	"github.com/inaiurai/idleclaim/internal/claims"
	"github.com/inaiurai/idleclaim/internal/middleware"
	"github.com/inaiurai/idleclaim/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubEarnings struct {
	status   *claims.StatusResult
	claim    *claims.ClaimResult
	err      error
	gotID    uuid.UUID
	gotCalls int
}

func (s *stubEarnings) Status(_ context.Context, id uuid.UUID) (*claims.StatusResult, error) {
	s.gotID = id
	s.gotCalls++
	return s.status, s.err
}

func (s *stubEarnings) Claim(_ context.Context, id uuid.UUID) (*claims.ClaimResult, error) {
	s.gotID = id
	s.gotCalls++
	return s.claim, s.err
}

type stubLedger struct {
	entries  []*models.CreditLedger
	err      error
	gotLimit int
}

func (s *stubLedger) ListLedger(_ context.Context, _ uuid.UUID, limit int) ([]*models.CreditLedger, error) {
	s.gotLimit = limit
	return s.entries, s.err
}

type stubBreakers []breaker.Snapshot

func (s stubBreakers) Snapshots() []breaker.Snapshot { return s }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func authedRequest(method, target string, id uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(middleware.WithAccountID(req.Context(), id))
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStatus_ReturnsSnakeCaseFields(t *testing.T) {
	id := uuid.New()
	next := now.Add(14 * time.Second)
	e := &stubEarnings{status: &claims.StatusResult{
		MinutesOffline: 600, AvailableAmount: 2000, RatePerHour: 250, CanClaim: true,
		CurrentBalance: 100, MaxClaimHours: 8, LastClaimTime: now.Add(-10 * time.Hour), NextClaimAt: &next,
	}}
	h := &EarningsHandler{Earnings: e, Logger: quietLogger()}

	rr := httptest.NewRecorder()
	h.Status(rr, authedRequest(http.MethodGet, "/api/v1/earnings/status", id))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if e.gotID != id {
		t.Errorf("account id not passed through")
	}
	m := decode(t, rr)
	for k, want := range map[string]any{
		"minutes_offline": 600.0, "available_amount": 2000.0, "rate_per_hour": 250.0,
		"can_claim": true, "current_balance": 100.0, "max_claim_hours": 8.0,
	} {
		if m[k] != want {
			t.Errorf("%s: got %v, want %v", k, m[k], want)
		}
	}
	if _, ok := m["last_claim_time"]; !ok {
		t.Error("missing last_claim_time")
	}
}

func TestClaim_Success(t *testing.T) {
	next := now.Add(14400 * time.Millisecond)
	e := &stubEarnings{claim: &claims.ClaimResult{
		Claimed: 2000, OldBalance: 100, NewBalance: 2100, MinutesOffline: 600, RatePerHour: 250,
		NextClaimAt: &next, Now: now,
	}}
	h := &EarningsHandler{Earnings: e, Logger: quietLogger()}

	rr := httptest.NewRecorder()
	h.Claim(rr, authedRequest(http.MethodPost, "/api/v1/earnings/claim", uuid.New()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	m := decode(t, rr)
	if m["claimed"] != 2000.0 || m["new_balance"] != 2100.0 || m["old_balance"] != 100.0 {
		t.Errorf("claim body: %v", m)
	}
	if m["next_claim_available"] == nil {
		t.Error("missing next_claim_available")
	}
	if m["claimed_at"] != now.Format(time.RFC3339Nano) {
		t.Errorf("claimed_at: got %v, want %s", m["claimed_at"], now.Format(time.RFC3339Nano))
	}
	if _, ok := m["next_claim_in"]; ok {
		t.Error("success response carries next_claim_in")
	}
}

func TestClaim_NothingOwed(t *testing.T) {
	next := now.Add(14400 * time.Millisecond)
	e := &stubEarnings{claim: &claims.ClaimResult{Claimed: 0, OldBalance: 2100, NewBalance: 2100, NextClaimAt: &next, Now: now}}
	h := &EarningsHandler{Earnings: e, Logger: quietLogger()}

	rr := httptest.NewRecorder()
	h.Claim(rr, authedRequest(http.MethodPost, "/api/v1/earnings/claim", uuid.New()))
	m := decode(t, rr)
	if m["claimed"] != 0.0 || m["new_balance"] != 2100.0 || m["next_claim_in"] != 15.0 {
		t.Errorf("nothing owed body: %v", m)
	}
	if _, ok := m["old_balance"]; ok {
		t.Error("nothing owed response carries old_balance")
	}
}

func TestEarnings_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"validation", claims.ErrValidation, http.StatusBadRequest, "invalid account id"},
		{"not found", claims.ErrNotFound, http.StatusNotFound, "account not found"},
		{"conflict", claims.ErrConcurrentClaim, http.StatusConflict, "claim already in progress"},
		{"breaker", &claims.BreakerOpenError{Operation: "claim", RetryAfter: 42 * time.Second}, http.StatusServiceUnavailable, "try again later"},
		{"persistence", fmt.Errorf("%w: %w", claims.ErrPersistence, errors.New(`pq: relation "accounts" password=secret`)), http.StatusServiceUnavailable, "temporarily unavailable, try again"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &EarningsHandler{Earnings: &stubEarnings{err: tc.err}, Logger: quietLogger()}
			rr := httptest.NewRecorder()
			h.Claim(rr, authedRequest(http.MethodPost, "/api/v1/earnings/claim", uuid.New()))
			if rr.Code != tc.wantStatus {
				t.Errorf("status: got %d, want %d", rr.Code, tc.wantStatus)
			}
			m := decode(t, rr)
			if m["error"] != tc.wantError {
				t.Errorf("error: got %v, want %q", m["error"], tc.wantError)
			}
			if len(m) != 1 {
				t.Errorf("error body leaks extra fields: %v", m)
			}
		})
	}
}

func TestEarnings_BreakerOpenSetsRetryAfter(t *testing.T) {
	h := &EarningsHandler{Earnings: &stubEarnings{err: &claims.BreakerOpenError{Operation: "claim", RetryAfter: 1500 * time.Millisecond}}, Logger: quietLogger()}
	rr := httptest.NewRecorder()
	h.Status(rr, authedRequest(http.MethodGet, "/api/v1/earnings/status", uuid.New()))
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After: got %q, want 2", got)
	}
}

func TestHistory_LimitHandling(t *testing.T) {
	ledger := &stubLedger{}
	h := &EarningsHandler{Ledger: ledger, Logger: quietLogger()}
	id := uuid.New()

	rr := httptest.NewRecorder()
	h.History(rr, authedRequest(http.MethodGet, "/api/v1/earnings/history", id))
	if rr.Code != http.StatusOK || ledger.gotLimit != defaultHistoryLimit {
		t.Errorf("default: %d limit=%d", rr.Code, ledger.gotLimit)
	}
	if m := decode(t, rr); m["entries"] == nil {
		t.Error("entries should be an empty list, not null")
	}

	rr = httptest.NewRecorder()
	h.History(rr, authedRequest(http.MethodGet, "/api/v1/earnings/history?limit=1000", id))
	if ledger.gotLimit != maxHistoryLimit {
		t.Errorf("limit not capped: %d", ledger.gotLimit)
	}

	rr = httptest.NewRecorder()
	h.History(rr, authedRequest(http.MethodGet, "/api/v1/earnings/history?limit=-3", id))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit: %d", rr.Code)
	}
}

func TestHistory_StoreFailureIsGeneric(t *testing.T) {
	h := &EarningsHandler{Ledger: &stubLedger{err: errors.New("dial tcp 10.0.0.5:5432: refused")}, Logger: quietLogger()}
	rr := httptest.NewRecorder()
	h.History(rr, authedRequest(http.MethodGet, "/api/v1/earnings/history", uuid.New()))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", rr.Code)
	}
	if m := decode(t, rr); m["error"] != "temporarily unavailable, try again" {
		t.Errorf("body: %v", m)
	}
}

func TestBreakerStates(t *testing.T) {
	h := &EarningsHandler{Breakers: stubBreakers{
		{Name: "claim", State: breaker.StateOpen, ConsecutiveFailures: 2},
		{Name: "status", State: breaker.StateClosed},
	}}
	rr := httptest.NewRecorder()
	h.BreakerStates(rr, httptest.NewRequest(http.MethodGet, "/api/v1/ops/breakers", nil))

	var resp struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Breakers) != 2 || resp.Breakers[0].State != "open" || resp.Breakers[1].State != "closed" {
		t.Errorf("breakers: %+v", resp.Breakers)
	}
}
