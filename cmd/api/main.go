package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/auth"
	"github.com/inaiurai/idleclaim/internal/breaker"
	"github.com/inaiurai/idleclaim/internal/claims"
	"github.com/inaiurai/idleclaim/internal/config"
	"github.com/inaiurai/idleclaim/internal/handlers"
	"github.com/inaiurai/idleclaim/internal/middleware"
	"github.com/inaiurai/idleclaim/internal/router"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.StatusBreakerThreshold,
		ResetTimeout:     cfg.StatusBreakerReset,
		IsFailure:        claims.CountsAsFailure,
	}, map[string]breaker.Settings{
		claims.OpClaim: {
			FailureThreshold: cfg.ClaimBreakerThreshold,
			ResetTimeout:     cfg.ClaimBreakerReset,
			IsFailure:        claims.CountsAsFailure,
		},
		claims.OpStatus: {
			FailureThreshold: cfg.StatusBreakerThreshold,
			ResetTimeout:     cfg.StatusBreakerReset,
			IsFailure:        claims.CountsAsFailure,
		},
	}, 64)
	go logTransitions(ctx, breakers.Events(), log)

	coordinator := claims.NewCoordinator(store, breakers, claims.Options{
		MaxWindow:          cfg.AccrualMaxWindow,
		PersistenceTimeout: cfg.PersistenceTimeout,
		Logger:             log.WithField("component", "claims"),
	})

	authSvc := auth.NewService(store, auth.Options{
		Secret:       []byte(cfg.JWTSecret),
		StartingRate: cfg.AccrualStartingRate,
	})
	authHandler := auth.NewHandler(authSvc, log.WithField("component", "auth"))

	earnings := &handlers.EarningsHandler{
		Earnings: coordinator,
		Ledger:   store,
		Breakers: breakers,
		Logger:   log.WithField("component", "earnings"),
	}

	mux := http.NewServeMux()
	mux.Handle("/", router.New(authHandler, earnings, authSvc))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}).Handler(middleware.RequestLog(log)(mux))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithFields(logrus.Fields{"addr": srv.Addr, "store": cfg.StoreDriver}).Info("starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("HTTP server failed")
		closeStore()
		os.Exit(1)
	}
	log.Info("server stopped")
}

func logTransitions(ctx context.Context, events <-chan breaker.Transition, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-events:
			entry := log.WithFields(logrus.Fields{
				"breaker": tr.Name,
				"from":    tr.From.String(),
				"to":      tr.To.String(),
			})
			if tr.To == breaker.StateOpen {
				entry.Warn("circuit breaker opened")
				continue
			}
			entry.Info("circuit breaker transition")
		}
	}
}
