// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/resilience"
)

const (
	// MarketTaskName is the name of the built-in market-data gathering task.
	MarketTaskName = "market"

	// marketDependency keys the circuit breaker for the chart API.
	marketDependency = "market_data_api"

	chartURLFormat = "https://query1.finance.yahoo.com/v8/finance/chart/%s?period1=%d&period2=%d&interval=%s&events=history"
)

// HTTPClient abstracts http.Client so tests can inject canned responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ====================================================================
// Chart API response
// ====================================================================

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  interface{}   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Currency string `json:"currency"`
		Symbol   string `json:"symbol"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []float64 `json:"open"`
			High   []float64 `json:"high"`
			Low    []float64 `json:"low"`
			Close  []float64 `json:"close"`
			Volume []int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

// ====================================================================
// MarketDataTask
// ====================================================================

// MarketDataTask gathers recent price history for the request's primary
// subject from a Yahoo-Finance-style chart API.
//
// Failure modes are split by channel: an unknown symbol or an empty
// result set is an expected condition and produces a Failure value,
// while network faults, 5xx responses, and 429 throttling are wrapped
// as transient errors so the resilience guard retries them and the
// circuit breaker observes them.
//
// Thread Safety: Safe for concurrent use.
type MarketDataTask struct {
	client   HTTPClient
	lookback time.Duration
	interval string
	logger   *slog.Logger

	// now is a test hook for deterministic time windows.
	now func() time.Time
}

// MarketDataOption customizes a MarketDataTask.
type MarketDataOption func(*MarketDataTask)

// WithMarketLookback sets the history window (default 30 days).
func WithMarketLookback(d time.Duration) MarketDataOption {
	return func(t *MarketDataTask) { t.lookback = d }
}

// WithMarketInterval sets the sample interval (default "1d").
func WithMarketInterval(interval string) MarketDataOption {
	return func(t *MarketDataTask) { t.interval = interval }
}

// NewMarketDataTask creates a market-data task backed by the given HTTP
// client. A nil client falls back to a default with a 15s timeout.
func NewMarketDataTask(client HTTPClient, logger *slog.Logger, opts ...MarketDataOption) *MarketDataTask {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &MarketDataTask{
		client:   client,
		lookback: 30 * 24 * time.Hour,
		interval: "1d",
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements Task.
func (t *MarketDataTask) Name() string { return MarketTaskName }

// Dependency implements Task.
func (t *MarketDataTask) Dependency() string { return marketDependency }

// Run implements Task.
func (t *MarketDataTask) Run(ctx context.Context, input TaskInput) (datatypes.TaskResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(input.Request.PrimarySubject))
	end := t.now()
	start := end.Add(-t.lookback)

	url := fmt.Sprintf(chartURLFormat, symbol, start.Unix(), end.Unix(), t.interval)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return datatypes.TaskResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")

	resp, err := t.client.Do(req)
	if err != nil {
		return datatypes.TaskResult{}, resilience.Transientf(marketDependency, "failed to call chart API: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		// Unknown symbol is an expected outcome, not an infrastructure fault.
		return datatypes.Failuref("no market data for symbol %s", symbol), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return datatypes.TaskResult{}, resilience.Transientf(marketDependency, "chart API returned status %s", resp.Status)
	default:
		return datatypes.TaskResult{}, fmt.Errorf("chart API returned status %s", resp.Status)
	}

	var chartData chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chartData); err != nil {
		return datatypes.TaskResult{}, resilience.Transientf(marketDependency, "failed to decode chart JSON: %w", err)
	}

	if chartData.Chart.Error != nil {
		return datatypes.Failuref("chart API error for %s: %v", symbol, chartData.Chart.Error), nil
	}
	if len(chartData.Chart.Result) == 0 {
		return datatypes.Failuref("no results for symbol %s", symbol), nil
	}

	res := chartData.Chart.Result[0]
	if len(res.Indicators.Quote) == 0 || len(res.Timestamp) == 0 {
		return datatypes.Failuref("incomplete indicators for symbol %s", symbol), nil
	}

	quote := res.Indicators.Quote[0]
	points := make([]map[string]any, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		if len(quote.Open) <= i ||
			len(quote.High) <= i ||
			len(quote.Low) <= i ||
			len(quote.Close) <= i ||
			len(quote.Volume) <= i {
			continue
		}
		points = append(points, map[string]any{
			"time":   time.Unix(ts, 0).UTC().Format(time.RFC3339),
			"open":   quote.Open[i],
			"high":   quote.High[i],
			"low":    quote.Low[i],
			"close":  quote.Close[i],
			"volume": quote.Volume[i],
		})
	}
	if len(points) == 0 {
		return datatypes.Failuref("no usable data points for symbol %s", symbol), nil
	}

	t.logger.Debug("Fetched market data",
		"symbol", symbol,
		"points", len(points),
		"interval", t.interval)

	payload := map[string]any{
		"symbol":   res.Meta.Symbol,
		"currency": res.Meta.Currency,
		"interval": t.interval,
		"points":   points,
		"latest":   points[len(points)-1],
	}
	return datatypes.Success(payload), nil
}
