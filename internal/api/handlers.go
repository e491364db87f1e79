package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/finadvisor/internal/advisor"
	"github.com/kalambet/finadvisor/internal/heuristics"
	"github.com/kalambet/finadvisor/internal/market"
	"github.com/kalambet/finadvisor/internal/storage"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ChatResponse is the body returned by POST /chat.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// DemographicsRequest is the body of the calculation endpoints.
type DemographicsRequest struct {
	UserID       string         `json:"user_id"`
	Demographics map[string]any `json:"demographics"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		writeJSON(w, ChatResponse{Reply: deps.Chat.Chat(r.Context(), req.UserID, req.Message)})
	}
}

type calculateFunc func(userID string, demographics map[string]any) (heuristics.Result, error)

// handleCalculate serves a model endpoint. Data problems are ordinary
// {"error": msg} payloads; only storage failures are HTTP errors.
func handleCalculate(deps Deps, model string, calc calculateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req DemographicsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		res, err := calc(req.UserID, req.Demographics)
		if err != nil {
			if msg, ok := advisor.UserMessage(err); ok {
				deps.Metrics.ObserveCalculation(model, "invalid")
				writeJSON(w, map[string]string{"error": msg})
				return
			}
			deps.Metrics.ObserveCalculation(model, "error")
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute %s: %v", model, err)
			return
		}

		deps.Metrics.ObserveCalculation(model, "ok")
		writeJSON(w, res)
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Advisor.Profile(chi.URLParam(r, "user_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, p)
	}
}

func handleEndSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Chat.EndSession(chi.URLParam(r, "user_id"))
		writeJSON(w, map[string]string{"status": "ended"})
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Interactions == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "interaction history is not enabled")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		interactions, err := deps.Interactions.ListInteractions(r.URL.Query().Get("user_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, interactions)
	}
}

func handleMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, market.Snapshot())
}

func handleQuote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Quotes.Quote(r.Context(), chi.URLParam(r, "symbol"))
		if err != nil {
			deps.Metrics.ObserveMarket("error")
			writeJSON(w, map[string]string{"error": err.Error()})
			return
		}
		deps.Metrics.ObserveMarket("ok")
		writeJSON(w, q)
	}
}

func handleSeries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Quotes.TimeSeries(r.Context(), chi.URLParam(r, "symbol"), r.URL.Query().Get("interval"))
		if err != nil {
			deps.Metrics.ObserveMarket("error")
			writeJSON(w, map[string]string{"error": err.Error()})
			return
		}
		deps.Metrics.ObserveMarket("ok")
		writeJSON(w, s)
	}
}
