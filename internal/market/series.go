package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Series intervals accepted by TimeSeries.
const (
	IntervalDaily    = "daily"
	IntervalIntraday = "intraday"
)

const intradayResolution = "60min"

// ErrNoSeries is returned when the provider has no history for the symbol.
var ErrNoSeries = errors.New("no price history returned for symbol")

// Bar is one OHLCV sample.
type Bar struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Series is recent price history for one symbol, newest bar first.
type Series struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Bars     []Bar  `json:"bars"`
}

// TimeSeries returns the compact price history for symbol. interval is
// "daily" (the default when empty) or "intraday" for 60-minute bars.
func (c *Client) TimeSeries(ctx context.Context, symbol, interval string) (Series, error) {
	if c.apiKey == "" {
		return Series{}, ErrMissingAPIKey
	}
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return Series{}, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("outputsize", "compact")
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "", IntervalDaily:
		interval = IntervalDaily
		q.Set("function", "TIME_SERIES_DAILY")
	case IntervalIntraday:
		interval = IntervalIntraday
		q.Set("function", "TIME_SERIES_INTRADAY")
		q.Set("interval", intradayResolution)
	default:
		return Series{}, fmt.Errorf("interval must be %q or %q, got %q", IntervalDaily, IntervalIntraday, interval)
	}

	body, err := c.query(ctx, q)
	if err != nil {
		return Series{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Series{}, fmt.Errorf("decoding response: %w", err)
	}
	var samples map[string]map[string]string
	for key, msg := range raw {
		if !strings.HasPrefix(key, "Time Series") {
			continue
		}
		if err := json.Unmarshal(msg, &samples); err != nil {
			return Series{}, fmt.Errorf("decoding %s: %w", key, err)
		}
		break
	}
	if len(samples) == 0 {
		return Series{}, fmt.Errorf("%w %s", ErrNoSeries, symbol)
	}

	bars := make([]Bar, 0, len(samples))
	for ts, fields := range samples {
		b, err := parseBar(ts, fields)
		if err != nil {
			return Series{}, err
		}
		bars = append(bars, b)
	}
	// Timestamps are ISO formatted, so string order is time order.
	slices.SortFunc(bars, func(a, b Bar) int { return strings.Compare(b.Time, a.Time) })

	return Series{Symbol: symbol, Interval: interval, Bars: bars}, nil
}

func parseBar(ts string, fields map[string]string) (Bar, error) {
	var prices [4]float64
	for i, key := range []string{"1. open", "2. high", "3. low", "4. close"} {
		v, err := strconv.ParseFloat(fields[key], 64)
		if err != nil {
			return Bar{}, fmt.Errorf("parsing %s at %s: %w", key, ts, err)
		}
		prices[i] = v
	}
	volume, err := strconv.ParseInt(fields["5. volume"], 10, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("parsing volume at %s: %w", ts, err)
	}
	return Bar{Time: ts, Open: prices[0], High: prices[1], Low: prices[2], Close: prices[3], Volume: volume}, nil
}
