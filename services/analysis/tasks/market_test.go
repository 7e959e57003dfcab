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
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/resilience"
)

// stubClient returns a canned response or error and records the request.
type stubClient struct {
	resp    *http.Response
	err     error
	lastReq *http.Request
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

const chartOKBody = `{
  "chart": {
    "result": [{
      "meta": {"currency": "USD", "symbol": "TSLA"},
      "timestamp": [1700000000, 1700086400],
      "indicators": {
        "quote": [{
          "open": [230.1, 232.5],
          "high": [235.0, 236.2],
          "low": [228.4, 231.0],
          "close": [233.9, 234.7],
          "volume": [1000000, 1200000]
        }]
      }
    }],
    "error": null
  }
}`

func marketRequest() datatypes.AnalysisRequest {
	return datatypes.AnalysisRequest{PrimarySubject: "tsla", Qualifiers: []string{"swot"}}
}

func TestMarketDataTaskSuccess(t *testing.T) {
	client := &stubClient{resp: httpResponse(http.StatusOK, chartOKBody)}
	task := NewMarketDataTask(client, nil)
	task.now = func() time.Time { return time.Unix(1700172800, 0) }

	result, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
	require.NoError(t, err)
	require.True(t, result.OK())

	payload := result.Payload()
	assert.Equal(t, "TSLA", payload["symbol"])
	assert.Equal(t, "USD", payload["currency"])

	points, ok := payload["points"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, points, 2)
	assert.Equal(t, 234.7, points[1]["close"])

	// Subject is upper-cased into the request URL.
	require.NotNil(t, client.lastReq)
	assert.Contains(t, client.lastReq.URL.Path, "TSLA")
	assert.NotEmpty(t, client.lastReq.Header.Get("User-Agent"))
}

func TestMarketDataTaskNetworkErrorIsTransient(t *testing.T) {
	client := &stubClient{err: errors.New("connection reset")}
	task := NewMarketDataTask(client, nil)

	_, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))
}

func TestMarketDataTaskServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		client := &stubClient{resp: httpResponse(status, "")}
		task := NewMarketDataTask(client, nil)

		_, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
		require.Error(t, err, "status %d", status)
		assert.True(t, resilience.IsRetryable(err), "status %d should be retryable", status)
	}
}

func TestMarketDataTaskClientErrorNotRetryable(t *testing.T) {
	client := &stubClient{resp: httpResponse(http.StatusForbidden, "")}
	task := NewMarketDataTask(client, nil)

	_, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
	require.Error(t, err)
	assert.False(t, resilience.IsRetryable(err))
}

func TestMarketDataTaskUnknownSymbolIsFailureValue(t *testing.T) {
	client := &stubClient{resp: httpResponse(http.StatusNotFound, "")}
	task := NewMarketDataTask(client, nil)

	result, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Contains(t, result.Reason(), "no market data")
}

func TestMarketDataTaskEmptyResultIsFailureValue(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"api error", `{"chart": {"result": [], "error": {"code": "Not Found"}}}`},
		{"empty result", `{"chart": {"result": [], "error": null}}`},
		{"missing indicators", `{"chart": {"result": [{"timestamp": [], "indicators": {"quote": []}}], "error": null}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := &stubClient{resp: httpResponse(http.StatusOK, tc.body)}
			task := NewMarketDataTask(client, nil)

			result, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
			require.NoError(t, err)
			assert.False(t, result.OK())
			assert.NotEmpty(t, result.Reason())
		})
	}
}

func TestMarketDataTaskMalformedJSONIsTransient(t *testing.T) {
	client := &stubClient{resp: httpResponse(http.StatusOK, `{"chart": truncated`)}
	task := NewMarketDataTask(client, nil)

	_, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))
}

func TestNotConfiguredTask(t *testing.T) {
	task := NotConfigured("bloomberg")
	assert.Equal(t, "bloomberg", task.Name())

	result, err := task.Run(context.Background(), TaskInput{Request: marketRequest()})
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, "not configured", result.Reason())
}
