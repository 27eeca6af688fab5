package ocr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Attempt records one extraction call for audit and retry accounting.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Outcome   string // "success", "timeout", "transient", "permanent"
	Error     string
}

// AttemptRecorder receives every attempt the gateway makes.
type AttemptRecorder interface {
	RecordAttempt(claimID uuid.UUID, a Attempt)
}

type RetryConfig struct {
	MaxAttempts int           // total calls, not retries after the first
	BaseDelay   time.Duration // delay before the second attempt
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// Gateway wraps an Extractor with retry and confidence normalization.
// Timeouts and transient failures are retried with jittered exponential
// backoff up to MaxAttempts total calls; permanent failures are surfaced
// immediately.
type Gateway struct {
	extractor Extractor
	cfg       RetryConfig
	recorder  AttemptRecorder
	logger    zerolog.Logger
}

func NewGateway(extractor Extractor, cfg RetryConfig, recorder AttemptRecorder, logger zerolog.Logger) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	return &Gateway{
		extractor: extractor,
		cfg:       cfg,
		recorder:  recorder,
		logger:    logger.With().Str("component", "ocr_gateway").Logger(),
	}
}

func (g *Gateway) Extract(ctx context.Context, req Request) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.backoff(attempt - 1)
			g.logger.Debug().
				Stringer("claim_id", req.ClaimID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying extraction")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		result, err := g.extractor.Extract(ctx, req)
		g.record(req.ClaimID, attempt, start, err)

		if err == nil {
			g.normalize(req.ClaimID, result)
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn().
			Stringer("claim_id", req.ClaimID).
			Int("attempt", attempt).
			Err(err).
			Msg("extraction attempt failed")
	}

	return nil, fmt.Errorf("extraction failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

// backoff returns the delay before the (n+1)th attempt: exponential with
// full jitter, capped at MaxDelay.
func (g *Gateway) backoff(n int) time.Duration {
	d := float64(g.cfg.BaseDelay)
	for i := 1; i < n; i++ {
		d *= g.cfg.Multiplier
	}
	if max := float64(g.cfg.MaxDelay); d > max {
		d = max
	}
	return time.Duration(rand.Float64() * d)
}

func (g *Gateway) record(claimID uuid.UUID, number int, start time.Time, err error) {
	if g.recorder == nil {
		return
	}
	a := Attempt{
		Number:    number,
		StartedAt: start,
		Duration:  time.Since(start),
		Outcome:   "success",
	}
	if err != nil {
		a.Error = err.Error()
		switch {
		case errors.Is(err, ErrTimeout):
			a.Outcome = "timeout"
		case errors.Is(err, ErrPermanent):
			a.Outcome = "permanent"
		default:
			a.Outcome = "transient"
		}
	}
	g.recorder.RecordAttempt(claimID, a)
}

// normalize recomputes the overall confidence as a weighted blend of text
// and structured-field confidence, then clamps every score into [0, 1].
// Out-of-range provider scores are clamped rather than rejected, with a log
// line for the audit trail.
func (g *Gateway) normalize(claimID uuid.UUID, r *Result) {
	if len(r.FieldConfidence) > 0 {
		sum := 0.0
		for f, v := range r.FieldConfidence {
			r.FieldConfidence[f] = g.clamp(claimID, "field:"+f, v)
			sum += r.FieldConfidence[f]
		}
		fieldAvg := sum / float64(len(r.FieldConfidence))
		r.TextConfidence = g.clamp(claimID, "text", r.TextConfidence)
		r.OverallConfidence = 0.4*r.TextConfidence + 0.6*fieldAvg
	}
	r.OverallConfidence = g.clamp(claimID, "overall", r.OverallConfidence)
}

func (g *Gateway) clamp(claimID uuid.UUID, field string, v float64) float64 {
	if v >= 0 && v <= 1 {
		return v
	}
	clamped := v
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 1 {
		clamped = 1
	}
	g.logger.Warn().
		Stringer("claim_id", claimID).
		Str("score", field).
		Float64("raw", v).
		Float64("clamped", clamped).
		Msg("confidence out of range, clamped")
	return clamped
}
