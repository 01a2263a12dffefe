package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	tokens map[string]uuid.UUID
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	id, ok := s.tokens[token]
	if !ok {
		return uuid.Nil, errors.New("invalid token")
	}
	return id, nil
}

// okHandler writes the account id from context (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(AccountIDFromCtx(r.Context()).String()))
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestBearerAuth_ValidToken(t *testing.T) {
	id := uuid.New()
	mw := BearerAuth(&stubValidator{tokens: map[string]uuid.UUID{"good": id}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/earnings/status", nil)
	req.Header.Set("Authorization", "Bearer good")
	rr := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != id.String() {
		t.Errorf("account id in context: got %q", rr.Body.String())
	}
}

func TestBearerAuth_Rejects(t *testing.T) {
	mw := BearerAuth(&stubValidator{tokens: map[string]uuid.UUID{"nil": uuid.Nil}})
	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"unknown token", "Bearer nope"},
		{"nil subject", "Bearer nil"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			mw(okHandler).ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rr.Code)
			}
			if rr.Body.String() != `{"error":"unauthorized"}`+"\n" {
				t.Errorf("body: %q", rr.Body.String())
			}
		})
	}
}

func TestBearerAuth_CaseInsensitiveScheme(t *testing.T) {
	id := uuid.New()
	mw := BearerAuth(&stubValidator{tokens: map[string]uuid.UUID{"tok": id}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer   tok")
	rr := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestRequestLog_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.WarnLevel)

	h := RequestLog(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/earnings/claim", nil))

	if !bytes.Contains(buf.Bytes(), []byte(`"status":503`)) || !bytes.Contains(buf.Bytes(), []byte(`"path":"/api/v1/earnings/claim"`)) {
		t.Errorf("log line: %s", buf.String())
	}
}
