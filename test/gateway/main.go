// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Demo gateway fronting a small healthcare style API with the full
// rate control stack: identity resolution, token based admission for
// premium callers, the standard fixed window for everyone else and the
// administrative surface. Configured through RATECONTROL_* environment
// variables, an optional GATEWAY_ADMIN_TOKEN guards the admin
// endpoints.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-core-stack/ratecontrol/audit"
	"github.com/go-core-stack/ratecontrol/config"
	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/gate"
	"github.com/go-core-stack/ratecontrol/identity"
	"github.com/go-core-stack/ratecontrol/logging"
	"github.com/go-core-stack/ratecontrol/tokens"
	"github.com/go-core-stack/ratecontrol/window"
)

func main() {
	logger := logging.NewStd(logging.LevelInfo)

	conf := config.Default()
	if err := conf.ApplyEnvOverrides(os.Environ()); err != nil {
		logger.Error("invalid environment override", "error", err)
		os.Exit(1)
	}
	if err := conf.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, cleanup, err := buildRecorder(ctx, conf, logger)
	if err != nil {
		logger.Error("audit sink unavailable", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctrl, err := tokens.NewController(&tokens.Config{
		Tiers:         conf.Tiers,
		Logger:        logger,
		Audit:         recorder,
		SweepInterval: conf.SweepInterval,
		IdleThreshold: conf.IdleThreshold,
	})
	if err != nil {
		logger.Error("controller construction failed", "error", err)
		os.Exit(1)
	}
	ctrl.StartSweeper(ctx)
	defer ctrl.StopSweeper()

	limiter, err := buildLimiter(ctx, conf)
	if err != nil {
		logger.Error("standard limiter unavailable", "error", err)
		os.Exit(1)
	}

	g, err := gate.New(&gate.Config{
		Controller:          ctrl,
		Limiter:             limiter,
		TokenControlEnabled: conf.TokenControlEnabled,
		CostRules:           conf.CostRules,
		StandardMessage:     conf.Standard.Message,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("gate construction failed", "error", err)
		os.Exit(1)
	}
	admin, err := gate.NewAdmin(g, adminAuthorize())
	if err != nil {
		logger.Error("admin surface construction failed", "error", err)
		os.Exit(1)
	}

	api := http.NewServeMux()
	registerDemoRoutes(api)

	// admin and self service endpoints stay outside admission control
	root := http.NewServeMux()
	admin.RegisterRoutes(root)
	root.Handle("/", g.Middleware(api))

	srv := &http.Server{
		Addr:         conf.ListenAddr,
		Handler:      identity.Middleware(root),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "addr", conf.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

// buildRecorder selects the audit sink from config. The mongo sink is
// queued so request handling never waits on the database.
func buildRecorder(ctx context.Context, conf *config.Config, logger logging.Logger) (audit.Recorder, func(), error) {
	switch conf.Audit.Mode {
	case config.AuditModeNone:
		return audit.Nop{}, func() {}, nil
	case config.AuditModeMemory:
		return audit.NewMemoryRecorder(conf.Audit.MemoryLimit), func() {}, nil
	case config.AuditModeMongo:
		sink, err := audit.NewMongoRecorder(ctx, &audit.MongoConfig{
			Uri:        conf.Audit.MongoUri,
			Database:   conf.Audit.MongoDatabase,
			Collection: conf.Audit.MongoCollection,
			RetainFor:  time.Duration(conf.Audit.RetainDays) * 24 * time.Hour,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		queue := audit.NewQueue(ctx, sink, logger)
		cleanup := func() {
			queue.Wait()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sink.Close(closeCtx)
		}
		return queue, cleanup, nil
	}
	return nil, nil, errors.Wrapf(errors.InvalidArgument, "unknown audit mode %q", conf.Audit.Mode)
}

// buildLimiter returns the standard path limiter, Redis backed when
// enabled so gateway replicas share one window budget per caller.
func buildLimiter(ctx context.Context, conf *config.Config) (window.Limiter, error) {
	wconf := &window.Config{
		Window:      conf.Standard.Window,
		MaxRequests: conf.Standard.MaxRequests,
	}
	if !conf.Redis.Enabled {
		return window.NewLocalLimiter(wconf, nil)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	return window.NewRedisLimiter(ctx, client, wconf)
}

// adminAuthorize guards the admin endpoints with a shared token when
// GATEWAY_ADMIN_TOKEN is set and leaves them open for local use
// otherwise.
func adminAuthorize() gate.AuthorizeFunc {
	token := os.Getenv("GATEWAY_ADMIN_TOKEN")
	if token == "" {
		return nil
	}
	return func(r *http.Request) error {
		if r.Header.Get("X-Admin-Token") != token {
			return errors.Wrapf(errors.Unauthorized, "admin token mismatch")
		}
		return nil
	}
}

// patient is the demo dataset record served by the protected API.
type patient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Status    string `json:"status"`
	LastVisit string `json:"last_visit"`
}

var patients = []patient{
	{ID: "patient-001", Name: "John Doe", Age: 35, Status: "active", LastVisit: "2024-01-15"},
	{ID: "patient-002", Name: "Jane Smith", Age: 28, Status: "active", LastVisit: "2024-01-20"},
}

func registerDemoRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", handleServiceHealth)
	mux.HandleFunc("/api/patients", handlePatients)
	mux.HandleFunc("/api/patients/", handlePatientByID)
	mux.HandleFunc("/api/health", handleAPIHealth)
}

func handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "ratecontrol demo gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	})
}

func handlePatients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patients": patients,
		"count":    len(patients),
	})
}

func handlePatientByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	for _, p := range patients {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Patient not found"})
}

func handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_status":      "operational",
		"database_status": "connected",
		"last_check":      time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
