// Package qc provides the client for the external quality-control analyzer.
// The analyzer scores a block's LaTeX content and reports problems; the
// engine treats it as an opaque collaborator behind a circuit breaker.
package qc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lemmalab/lemma/document"
	"github.com/lemmalab/lemma/fault"
)

// maxResponseSize limits the analyzer response body.
const maxResponseSize = 1 * 1024 * 1024 // 1MB

// AnalyzeRequest is the payload sent to the analyzer.
type AnalyzeRequest struct {
	BlockID   string             `json:"block_id"`
	BlockType document.BlockType `json:"block_type"`
	Content   string             `json:"content"`
	Subject   string             `json:"subject,omitempty"`
	Level     string             `json:"level,omitempty"`
	Style     string             `json:"style,omitempty"`
}

// Client calls the QC analyzer over HTTP. A circuit breaker trips after
// consecutive failures so a down analyzer fails fast instead of holding
// worker slots on timeouts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithBreakerSettings overrides the circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(cl *Client) {
		cl.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewClient creates an analyzer client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "qc-analyzer",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Analyze submits a block's content for analysis and returns the report.
// The returned report is not normalized; callers apply Normalize before
// posting a completion.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*document.QCReport, error) {
	if req.Content == "" {
		return nil, fault.New(fault.KindInternal, "analyze: content is required")
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doAnalyze(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fault.Wrap(fault.KindUnavailable, err)
		}
		return nil, err
	}

	return result.(*document.QCReport), nil
}

func (c *Client) doAnalyze(ctx context.Context, req AnalyzeRequest) (*document.QCReport, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	url := c.baseURL + "/v1/analyze"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending QC analysis request",
		"url", url,
		"block_id", req.BlockID,
		"block_type", req.BlockType)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}

	var report document.QCReport
	if err := json.Unmarshal(respBody, &report); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err)
	}
	if err := report.Validate(); err != nil {
		// A malformed verdict is the analyzer's bug; retrying won't fix it.
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	return &report, nil
}

// classifyStatus maps an analyzer HTTP error status to a fault kind.
func classifyStatus(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fault.Newf(fault.KindRateLimited, "analyzer error (status %d): %s", statusCode, bodyStr)
	case statusCode >= 500:
		return fault.Newf(fault.KindUnavailable, "analyzer error (status %d): %s", statusCode, bodyStr)
	default:
		return fault.Newf(fault.KindInternal, "analyzer error (status %d): %s", statusCode, bodyStr)
	}
}
