// Package market fetches quotes from Alpha Vantage and serves the static
// market snapshot.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://www.alphavantage.co"
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

// ErrMissingAPIKey is returned by Quote when no API key is configured.
var ErrMissingAPIKey = errors.New("Missing Alpha Vantage API key. Please set ALPHAVANTAGE_API_KEY.")

// ErrNoQuote is returned when the provider knows nothing about the symbol.
var ErrNoQuote = errors.New("no quote returned for symbol")

// Quote is the latest trading data for one symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Volume        int64   `json:"volume"`
	ChangePercent string  `json:"change_percent"`
	Timestamp     string  `json:"timestamp"`
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	// RequestsPerMinute caps outgoing calls; <= 0 disables the limit.
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// Client talks to the Alpha Vantage query API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Client from cfg, filling in defaults.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// apiStatus carries the fields Alpha Vantage uses to report failures with a
// 200 response.
type apiStatus struct {
	ErrorMessage string `json:"Error Message"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
}

func (s apiStatus) err() error {
	switch {
	case s.ErrorMessage != "":
		return fmt.Errorf("alpha vantage: %s", s.ErrorMessage)
	case s.Note != "":
		return fmt.Errorf("alpha vantage throttled: %s", s.Note)
	case s.Information != "":
		return fmt.Errorf("alpha vantage: %s", s.Information)
	}
	return nil
}

// query runs one rate-limited call and returns the body once the provider
// reports no error.
func (c *Client) query(ctx context.Context, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", params.Get("function"), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status apiStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if err := status.err(); err != nil {
		return nil, err
	}
	return body, nil
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", errors.New("symbol is required")
	}
	return symbol, nil
}

// Quote returns the latest quote for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	if c.apiKey == "" {
		return Quote{}, ErrMissingAPIKey
	}
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return Quote{}, err
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	body, err := c.query(ctx, q)
	if err != nil {
		return Quote{}, err
	}

	var parsed struct {
		GlobalQuote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Quote{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.GlobalQuote) == 0 {
		return Quote{}, fmt.Errorf("%w %s", ErrNoQuote, symbol)
	}
	return parseQuote(symbol, parsed.GlobalQuote)
}

func parseQuote(symbol string, fields map[string]string) (Quote, error) {
	price, err := strconv.ParseFloat(fields["05. price"], 64)
	if err != nil {
		return Quote{}, fmt.Errorf("parsing price %q: %w", fields["05. price"], err)
	}
	volume, err := strconv.ParseInt(fields["06. volume"], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("parsing volume %q: %w", fields["06. volume"], err)
	}
	return Quote{
		Symbol:        symbol,
		Price:         price,
		Volume:        volume,
		ChangePercent: fields["10. change percent"],
		Timestamp:     fields["07. latest trading day"],
	}, nil
}
