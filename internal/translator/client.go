// Package translator turns natural-language prompts into query
// specifications through an external text-generation service. The service
// is a black box: its output is validated like any caller input, and a
// specification that fails validation is a translator error, never an
// engine defect.
package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/worklens/internal/retry"
)

// errServiceUnavailable marks a 5xx from the translation service, which is
// worth retrying at the transport level.
var errServiceUnavailable = errors.New("translation service unavailable")

// maxErrorBodyBytes bounds how much of a failing response travels into
// error text.
const maxErrorBodyBytes = 256

// Request is the payload posted to the translation service. The catalog
// summary tells the service which metrics and fields it may use; feedback
// carries the previous attempt's first validation failure so the service
// can correct itself.
type Request struct {
	Prompt   string         `json:"prompt"`
	Entities []EntitySchema `json:"entities"`
	Metrics  []MetricSchema `json:"metrics"`
	Feedback string         `json:"feedback,omitempty"`
}

// EntitySchema describes one queryable dataset to the service.
type EntitySchema struct {
	Name      string   `json:"name"`
	Fields    []string `json:"fields"`
	DateField string   `json:"date_field"`
}

// MetricSchema describes one catalog metric to the service.
type MetricSchema struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Entity      string `json:"entity"`
	Aggregation string `json:"aggregation"`
	Deprecated  bool   `json:"deprecated,omitempty"`
}

// Client produces a raw specification from a prompt. The returned bytes
// are untrusted until validated.
type Client interface {
	Translate(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPClient calls the translation service over HTTP with a bearer token,
// a per-call timeout, and a client-side rate limit.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	retry   retry.Config
}

// NewHTTPClient creates a client for the service at baseURL. ratePerSec
// bounds outbound calls; values at or below zero fall back to one per
// second.
func NewHTTPClient(baseURL, token string, timeout time.Duration, ratePerSec float64) *HTTPClient {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.IsRetryable = func(err error) bool {
		return retry.TransientError(err) || errors.Is(err, errServiceUnavailable)
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), max(1, int(ratePerSec))),
		retry:   retryCfg,
	}
}

// Translate posts the prompt and catalog summary and returns the raw
// specification body. Transport-level failures retry with backoff;
// whatever the service returns is left to the caller to validate.
func (c *HTTPClient) Translate(ctx context.Context, treq Request) (json.RawMessage, error) {
	body, err := json.Marshal(treq)
	if err != nil {
		return nil, fmt.Errorf("marshal translation request: %w", err)
	}

	var spec json.RawMessage
	err = retry.Do(ctx, c.retry, func() error {
		var doErr error
		spec, doErr = c.post(ctx, body)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/translate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create translation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call translation service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read translation response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d: %s",
			errServiceUnavailable, resp.StatusCode, truncateBody(payload))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("translation service returned status %d: %s",
			resp.StatusCode, truncateBody(payload))
	}

	var out struct {
		Spec json.RawMessage `json:"spec"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode translation response: %w", err)
	}
	if len(out.Spec) == 0 {
		return nil, errors.New("translation response carries no spec")
	}
	return out.Spec, nil
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "..."
	}
	return string(body)
}
