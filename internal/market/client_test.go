package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
}

func TestQuote_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("function") != "GLOBAL_QUOTE" || q.Get("symbol") != "AAPL" || q.Get("apikey") != "test-key" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(`{"Global Quote": {
			"01. symbol": "AAPL",
			"05. price": "189.8400",
			"06. volume": "51234567",
			"07. latest trading day": "2024-05-10",
			"10. change percent": "0.6500%"
		}}`))
	})

	q, err := c.Quote(context.Background(), " aapl ")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want := Quote{Symbol: "AAPL", Price: 189.84, Volume: 51234567, ChangePercent: "0.6500%", Timestamp: "2024-05-10"}
	if q != want {
		t.Errorf("Quote = %+v, want %+v", q, want)
	}
}

func TestQuote_MissingAPIKey(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.Quote(context.Background(), "AAPL"); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestQuote_EmptySymbol(t *testing.T) {
	c := NewClient(Config{APIKey: "k"})
	if _, err := c.Quote(context.Background(), "  "); err == nil {
		t.Error("expected error for empty symbol")
	}
}

func TestQuote_ProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error message", 200, `{"Error Message": "Invalid API call."}`, "Invalid API call."},
		{"throttle note", 200, `{"Note": "Thank you for using Alpha Vantage!"}`, "throttled"},
		{"information", 200, `{"Information": "premium endpoint"}`, "premium endpoint"},
		{"empty quote", 200, `{"Global Quote": {}}`, "no quote returned"},
		{"bad price", 200, `{"Global Quote": {"05. price": "n/a", "06. volume": "1"}}`, "parsing price"},
		{"http failure", 503, `down`, "unexpected status 503"},
		{"malformed json", 200, `{`, "decoding response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Quote(context.Background(), "XYZ")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestQuote_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"Global Quote": {"05. price": "1", "06. volume": "1"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, RequestsPerMinute: 1})

	if _, err := c.Quote(context.Background(), "A"); err != nil {
		t.Fatalf("first Quote: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Quote(ctx, "B"); err == nil {
		t.Error("expected the second call to be held back by the limiter")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}
}

func TestSnapshot(t *testing.T) {
	s := Snapshot()
	for class, symbol := range map[string]string{"equities": "SPY", "bonds": "AGG", "gold": "GLD", "crypto": "BTC"} {
		entry, ok := s[class].(map[string]string)
		if !ok {
			t.Fatalf("missing asset class %s", class)
		}
		if entry[symbol] != snapshotUnavailable {
			t.Errorf("%s[%s] = %q", class, symbol, entry[symbol])
		}
	}
}

func TestTimeSeries_Daily(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("function") != "TIME_SERIES_DAILY" || q.Get("symbol") != "IBM" || q.Get("outputsize") != "compact" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("interval") != "" {
			t.Errorf("daily request carries interval %q", q.Get("interval"))
		}
		w.Write([]byte(`{
			"Meta Data": {"2. Symbol": "IBM"},
			"Time Series (Daily)": {
				"2024-05-09": {"1. open": "166.5", "2. high": "168.0", "3. low": "166.0", "4. close": "167.2", "5. volume": "4000"},
				"2024-05-10": {"1. open": "167.3", "2. high": "169.1", "3. low": "167.0", "4. close": "168.9", "5. volume": "5100"}
			}
		}`))
	})

	s, err := c.TimeSeries(context.Background(), "ibm", "")
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	if s.Symbol != "IBM" || s.Interval != IntervalDaily {
		t.Errorf("series = %s/%s", s.Symbol, s.Interval)
	}
	if len(s.Bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(s.Bars))
	}
	want := Bar{Time: "2024-05-10", Open: 167.3, High: 169.1, Low: 167.0, Close: 168.9, Volume: 5100}
	if s.Bars[0] != want {
		t.Errorf("newest bar = %+v, want %+v", s.Bars[0], want)
	}
	if s.Bars[1].Time != "2024-05-09" {
		t.Errorf("second bar = %s", s.Bars[1].Time)
	}
}

func TestTimeSeries_Intraday(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("function") != "TIME_SERIES_INTRADAY" || q.Get("interval") != "60min" || q.Get("outputsize") != "compact" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(`{"Time Series (60min)": {
			"2024-05-10 19:00:00": {"1. open": "1", "2. high": "2", "3. low": "0.5", "4. close": "1.5", "5. volume": "10"}
		}}`))
	})

	s, err := c.TimeSeries(context.Background(), "IBM", "Intraday")
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	if s.Interval != IntervalIntraday || len(s.Bars) != 1 || s.Bars[0].Time != "2024-05-10 19:00:00" {
		t.Errorf("series = %+v", s)
	}
}

func TestTimeSeries_Errors(t *testing.T) {
	if _, err := NewClient(Config{}).TimeSeries(context.Background(), "IBM", ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}

	tests := []struct {
		name     string
		interval string
		body     string
		want     string
	}{
		{"bad interval", "weekly", `{}`, "interval must be"},
		{"error message", "", `{"Error Message": "Invalid API call."}`, "Invalid API call."},
		{"throttle note", "", `{"Note": "slow down"}`, "throttled"},
		{"no series", "", `{"Meta Data": {}}`, "no price history"},
		{"bad close", "", `{"Time Series (Daily)": {"2024-05-10": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "x", "5. volume": "1"}}}`, "parsing 4. close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			_, err := c.TimeSeries(context.Background(), "IBM", tt.interval)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
