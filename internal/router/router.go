package router

import (
	"net/http"

	"github.com/inaiurai/idleclaim/internal/auth"
	"github.com/inaiurai/idleclaim/internal/handlers"
	"github.com/inaiurai/idleclaim/internal/middleware"
)

// New returns an http.Handler that serves the API under /api/v1. Earnings
// and ops routes require a bearer token.
func New(authHandler *auth.Handler, earnings *handlers.EarningsHandler, tokens middleware.TokenValidator) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	mux.HandleFunc(base+"/auth/register", authHandler.Register)
	mux.HandleFunc(base+"/auth/login", authHandler.Login)

	protected := middleware.BearerAuth(tokens)
	mux.Handle(base+"/earnings/status", protected(methodGET(earnings.Status)))
	mux.Handle(base+"/earnings/claim", protected(methodPOST(earnings.Claim)))
	mux.Handle(base+"/earnings/history", protected(methodGET(earnings.History)))
	mux.Handle(base+"/ops/breakers", protected(methodGET(earnings.BreakerStates)))

	mux.HandleFunc("/healthz", methodGET(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	}))
	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
