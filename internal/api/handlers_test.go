package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/finadvisor/internal/advisor"
	"github.com/kalambet/finadvisor/internal/guardrail"
	"github.com/kalambet/finadvisor/internal/heuristics"
	"github.com/kalambet/finadvisor/internal/market"
	"github.com/kalambet/finadvisor/internal/metrics"
	"github.com/kalambet/finadvisor/internal/profile"
	"github.com/kalambet/finadvisor/internal/storage"
)

// --- mocks ---

type mockChatter struct {
	mu     sync.Mutex
	got    []ChatRequest
	ended  []string
	prefix string
}

func (m *mockChatter) Chat(_ context.Context, userID, message string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, ChatRequest{UserID: userID, Message: message})
	return guardrail.EnsureDisclaimer(m.prefix+message, "")
}

func (m *mockChatter) EndSession(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, userID)
}

type mockQuoter struct {
	quote    market.Quote
	err      error
	interval string
}

func (m *mockQuoter) Quote(_ context.Context, symbol string) (market.Quote, error) {
	if m.err != nil {
		return market.Quote{}, m.err
	}
	q := m.quote
	q.Symbol = strings.ToUpper(symbol)
	return q, nil
}

func (m *mockQuoter) TimeSeries(_ context.Context, symbol, interval string) (market.Series, error) {
	m.interval = interval
	if m.err != nil {
		return market.Series{}, m.err
	}
	return market.Series{
		Symbol:   strings.ToUpper(symbol),
		Interval: market.IntervalIntraday,
		Bars:     []market.Bar{{Time: "2024-05-10 19:00:00", Close: m.quote.Price, Volume: m.quote.Volume}},
	}, nil
}

type failingAdvisor struct{}

func (failingAdvisor) Savings(string, map[string]any) (heuristics.Result, error) {
	return nil, errors.New("database is locked")
}
func (failingAdvisor) Insurance(string, map[string]any) (heuristics.Result, error) {
	return nil, errors.New("database is locked")
}
func (failingAdvisor) Profile(string) (profile.Profile, error) {
	return nil, errors.New("database is locked")
}

// --- helpers ---

type testEnv struct {
	handler http.Handler
	chat    *mockChatter
	store   *storage.Store
	quotes  *mockQuoter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	chat := &mockChatter{prefix: "echo: "}
	quotes := &mockQuoter{quote: market.Quote{Price: 100, Volume: 10, ChangePercent: "1%", Timestamp: "2024-05-10"}}
	h := NewHandler(Deps{
		Chat:         chat,
		Advisor:      advisor.New(profile.NewManager(store)),
		Quotes:       quotes,
		Interactions: store,
		Metrics:      metrics.New(),
	})
	return &testEnv{handler: h, chat: chat, store: store, quotes: quotes}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
	}
	return m
}

const validDemographics = `{"age": 30, "marital_status": "single", "dependents": 0, "income": 100000, "net_worth": 50000, "location": "Austin"}`

// --- tests ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/chat", `{"user_id": "alice", "message": "hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !strings.HasPrefix(resp.Reply, "echo: hello") || !strings.HasSuffix(resp.Reply, guardrail.Disclaimer) {
		t.Errorf("unexpected reply %q", resp.Reply)
	}
	if len(env.chat.got) != 1 || env.chat.got[0].UserID != "alice" {
		t.Errorf("chat not forwarded: %+v", env.chat.got)
	}
}

func TestChat_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`not json`, `{"message": "hi"}`, `{"user_id": "a", "message": "  "}`} {
		rec := env.do(t, "POST", "/chat", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(env.chat.got) != 0 {
		t.Error("invalid requests must not reach the agent")
	}
}

func TestCalculateSavings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/calculate_savings", `{"user_id": "alice", "demographics": `+validDemographics+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["annual_savings"] != 21000.0 || body["monthly_savings"] != 1750.0 || body["suggested_savings_rate"] != 0.21 {
		t.Errorf("unexpected result %v", body)
	}
	prof, ok := body["profile"].(map[string]any)
	if !ok || prof["location"] != "Austin" || prof[profile.UpdatedAtKey] == nil {
		t.Errorf("profile not attached: %v", body["profile"])
	}
}

func TestRecommendInsurance_UsesStoredProfile(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/calculate_savings", `{"user_id": "bob", "demographics": `+validDemographics+`}`)

	rec := env.do(t, "POST", "/recommend_insurance", `{"user_id": "bob", "demographics": {}}`)
	body := decodeBody(t, rec)
	coverage, ok := body["coverage"].(map[string]any)
	if !ok {
		t.Fatalf("expected coverage, got %v", body)
	}
	if coverage["health"].(map[string]any)["priority"] != "Medium" {
		t.Errorf("unexpected health priority %v", coverage["health"])
	}
}

func TestCalculate_DataErrorsAreOrdinaryPayloads(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name, path, body, want string
	}{
		{"missing demographics", "/calculate_savings", `{"user_id": "new"}`, advisor.MissingDataMessage},
		{"missing field", "/recommend_insurance", `{"user_id": "x", "demographics": {"age": 30}}`, "Missing required fields: marital_status, dependents, income, net_worth"},
		{"age range", "/calculate_savings", `{"user_id": "x", "demographics": {"age": 120, "marital_status": "s", "dependents": 0, "income": 1, "net_worth": 1}}`, "Age must be between 1 and 119."},
		{"negative", "/calculate_savings", `{"user_id": "x", "demographics": {"age": 30, "marital_status": "s", "dependents": 0, "income": -1, "net_worth": 1}}`, "Income and net worth must be non-negative."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", tt.path, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := decodeBody(t, rec)["error"]; got != tt.want {
				t.Errorf("error = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestCalculate_StorageFailureIs500(t *testing.T) {
	h := NewHandler(Deps{Chat: &mockChatter{}, Advisor: failingAdvisor{}, Quotes: &mockQuoter{}})

	req := httptest.NewRequest("POST", "/calculate_savings", strings.NewReader(`{"user_id": "x", "demographics": {}}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	errObj, _ := decodeBody(t, rec)["error"].(map[string]any)
	if errObj["type"] != "api_error" {
		t.Errorf("unexpected error body %s", rec.Body.String())
	}
}

func TestCalculate_MissingUserID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/calculate_savings", `{"demographics": `+validDemographics+`}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetProfile(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/profiles/carol", "")
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Errorf("expected empty object for unknown user, got %s", rec.Body.String())
	}

	env.do(t, "POST", "/calculate_savings", `{"user_id": "carol", "demographics": `+validDemographics+`}`)
	body := decodeBody(t, env.do(t, "GET", "/profiles/carol", ""))
	if body["marital_status"] != "single" {
		t.Errorf("unexpected profile %v", body)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "DELETE", "/sessions/dave", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(env.chat.ended) != 1 || env.chat.ended[0] != "dave" {
		t.Errorf("session not ended: %v", env.chat.ended)
	}
}

func TestListInteractions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/interactions?user_id=erin", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}

	for i := 0; i < 3; i++ {
		env.store.SaveInteraction(storage.Interaction{
			ID: string(rune('a' + i)), UserID: "erin", CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
			UserMessage: "q", Reply: "r",
		})
	}

	rec = env.do(t, "GET", "/interactions?user_id=erin&limit=2", "")
	var list []storage.Interaction
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" {
		t.Errorf("unexpected interactions %+v", list)
	}
}

func TestMarketEndpoints(t *testing.T) {
	env := newTestEnv(t)

	snap := decodeBody(t, env.do(t, "GET", "/market/snapshot", ""))
	if _, ok := snap["equities"]; !ok {
		t.Errorf("snapshot missing equities: %v", snap)
	}

	q := decodeBody(t, env.do(t, "GET", "/market/quotes/msft", ""))
	if q["symbol"] != "MSFT" || q["price"] != 100.0 {
		t.Errorf("unexpected quote %v", q)
	}

	env.quotes.err = market.ErrMissingAPIKey
	q = decodeBody(t, env.do(t, "GET", "/market/quotes/msft", ""))
	if q["error"] != market.ErrMissingAPIKey.Error() {
		t.Errorf("expected error payload, got %v", q)
	}
}

func TestMarketSeries(t *testing.T) {
	env := newTestEnv(t)

	s := decodeBody(t, env.do(t, "GET", "/market/series/ibm?interval=intraday", ""))
	if s["symbol"] != "IBM" || s["interval"] != market.IntervalIntraday {
		t.Errorf("unexpected series %v", s)
	}
	if env.quotes.interval != "intraday" {
		t.Errorf("interval passed = %q", env.quotes.interval)
	}
	bars, ok := s["bars"].([]any)
	if !ok || len(bars) != 1 {
		t.Fatalf("bars = %v", s["bars"])
	}
	if bar := bars[0].(map[string]any); bar["close"] != 100.0 {
		t.Errorf("close = %v", bar["close"])
	}

	env.quotes.err = errors.New("interval must be daily or intraday")
	s = decodeBody(t, env.do(t, "GET", "/market/series/ibm?interval=weekly", ""))
	if s["error"] != "interval must be daily or intraday" {
		t.Errorf("expected error payload, got %v", s)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/calculate_savings", `{"user_id": "f", "demographics": `+validDemographics+`}`)

	rec := env.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `finadvisor_calculations_total{model="savings_model",outcome="ok"} 1`) {
		t.Errorf("calculation not counted:\n%s", rec.Body.String())
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=500", 100},
		{"limit=-1", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/interactions?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
