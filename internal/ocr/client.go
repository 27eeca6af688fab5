package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Client is the HTTP implementation of Extractor. Each Extract call is a
// single attempt; retry policy lives in the Gateway.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      zerolog.Logger
}

type ClientConfig struct {
	BaseURL     string
	CallTimeout time.Duration
	// RateLimit caps outbound extraction calls per second; Burst allows
	// short spikes. Zero disables limiting.
	RateLimit float64
	Burst     int
}

func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: cfg.CallTimeout},
		limiter:     limiter,
		callTimeout: cfg.CallTimeout,
		logger:      logger.With().Str("component", "ocr_client").Logger(),
	}
}

func (c *Client) Extract(ctx context.Context, req Request) (*Result, error) {
	if !SupportedFormat(req.DocumentURL) {
		return nil, fmt.Errorf("unsupported document format %q: %w", req.DocumentURL, ErrPermanent)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode extraction request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("extract claim %s: %w", req.ClaimID, ErrTimeout)
		}
		return nil, fmt.Errorf("extract claim %s: %v: %w", req.ClaimID, err, ErrTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode extraction response: %v: %w", err, ErrTransient)
		}
		if result.ProcessedAt.IsZero() {
			result.ProcessedAt = time.Now().UTC()
		}
		return &result, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("extraction service status %d: %w", resp.StatusCode, ErrTimeout)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("extraction service status %d: %w", resp.StatusCode, ErrTransient)
	default:
		return nil, fmt.Errorf("extraction service status %d: %w", resp.StatusCode, ErrPermanent)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
