package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/finadvisor/internal/heuristics"
	"github.com/kalambet/finadvisor/internal/market"
	"github.com/kalambet/finadvisor/internal/metrics"
	"github.com/kalambet/finadvisor/internal/profile"
	"github.com/kalambet/finadvisor/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Chatter answers chat messages and manages conversation sessions.
type Chatter interface {
	Chat(ctx context.Context, userID, message string) string
	EndSession(userID string)
}

// Advisor runs the model calculations.
type Advisor interface {
	Savings(userID string, demographics map[string]any) (heuristics.Result, error)
	Insurance(userID string, demographics map[string]any) (heuristics.Result, error)
	Profile(userID string) (profile.Profile, error)
}

// Quoter fetches stock quotes and price history.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
	TimeSeries(ctx context.Context, symbol, interval string) (market.Series, error)
}

// InteractionLister reads recorded chat turns.
type InteractionLister interface {
	ListInteractions(userID string, limit int) ([]storage.Interaction, error)
}

// Deps holds dependencies for the HTTP handler. Interactions and Metrics are optional.
type Deps struct {
	Chat         Chatter
	Advisor      Advisor
	Quotes       Quoter
	Interactions InteractionLister
	Metrics      *metrics.Metrics
}

// NewHandler returns the service's HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", handleHealth)
	r.Post("/chat", handleChat(deps))
	r.Post("/calculate_savings", handleCalculate(deps, "savings_model", deps.Advisor.Savings))
	r.Post("/recommend_insurance", handleCalculate(deps, "insurance_model", deps.Advisor.Insurance))

	r.Get("/profiles/{user_id}", handleGetProfile(deps))
	r.Delete("/sessions/{user_id}", handleEndSession(deps))
	r.Get("/interactions", handleListInteractions(deps))
	r.Get("/market/snapshot", handleMarketSnapshot)
	r.Get("/market/quotes/{symbol}", handleQuote(deps))
	r.Get("/market/series/{symbol}", handleSeries(deps))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
