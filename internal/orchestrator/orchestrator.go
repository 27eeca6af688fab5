// Package orchestrator drives claim lifecycle transitions. Every status
// change funnels through Advance, which serializes writers per claim,
// dedupes keyed requests, calls the extraction gateway when a claim enters
// OCR processing, and keeps the read-side cache coherent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
	"github.com/claims/claims/internal/lifecycle"
	"github.com/claims/claims/internal/ocr"
)

// Error sentinels for lease and extraction outcomes live in the claims
// package so API handlers can match them without importing this package.
var (
	ErrLeaseTimeout          = claims.ErrLeaseTimeout
	ErrExtractionUnavailable = claims.ErrExtractionUnavailable
)

// ClaimStore is the slice of the claim repository the orchestrator needs.
type ClaimStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*claims.Claim, error)
	Update(ctx context.Context, c *claims.Claim) error
}

// Invalidator keeps the read-side cache coherent with writes.
type Invalidator interface {
	Invalidate(id uuid.UUID)
	Set(c *claims.Claim)
}

// Notifier is told about every committed status change.
type Notifier interface {
	ClaimStatusChanged(c *claims.Claim, from lifecycle.Status)
}

type Config struct {
	// LeaseTimeout bounds how long Advance waits for a claim's lease.
	LeaseTimeout time.Duration

	// IdempotencyWindow is how long keyed request snapshots are retained.
	IdempotencyWindow time.Duration
}

type Orchestrator struct {
	store     ClaimStore
	engine    *lifecycle.Engine
	extractor ocr.Extractor
	cache     Invalidator
	notifier  Notifier
	leases    *leaseTable
	idem      *idempotencyStore
	cfg       Config
	logger    zerolog.Logger
}

func New(store ClaimStore, engine *lifecycle.Engine, extractor ocr.Extractor, cache Invalidator, notifier Notifier, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:     store,
		engine:    engine,
		extractor: extractor,
		cache:     cache,
		notifier:  notifier,
		leases:    newLeaseTable(),
		idem:      newIdempotencyStore(cfg.IdempotencyWindow),
		cfg:       cfg,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Advance applies ev to the claim under its exclusive lease and returns the
// claim as persisted. A non-empty requestKey makes the call idempotent:
// replays within the retention window get the original snapshot back.
func (o *Orchestrator) Advance(ctx context.Context, claimID uuid.UUID, ev lifecycle.Event, requestKey string) (*claims.Claim, error) {
	if requestKey != "" {
		if snap, ok := o.idem.get(claimID, requestKey, ev.Type); ok {
			return snap, nil
		}
	}

	release, err := o.leases.acquire(ctx, claimID, o.cfg.LeaseTimeout)
	if err != nil {
		return nil, err
	}
	detached := false
	defer func() {
		if !detached {
			release()
		}
	}()

	// The winner of a duplicate pair may have recorded its snapshot while
	// we waited on the lease.
	if requestKey != "" {
		if snap, ok := o.idem.get(claimID, requestKey, ev.Type); ok {
			return snap, nil
		}
	}

	c, err := o.store.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}

	from := c.Status
	d, err := o.engine.Decide(c.State(), ev)
	if err != nil {
		return nil, err
	}

	c, err = o.applyAndPersist(ctx, c, ev, nil)
	if err != nil {
		return nil, err
	}
	o.finish(c, from)

	if d.CallExtraction {
		var done bool
		c, done, err = o.runExtraction(ctx, c, requestKey, release)
		if !done {
			detached = true
		}
		if err != nil {
			return nil, err
		}
	}

	o.remember(claimID, requestKey, ev.Type, c)
	return c, nil
}

// applyAndPersist decides ev against c, applies the decision plus the
// optional mutate hook, and persists. A version conflict is retried exactly
// once against a fresh read; a second conflict is surfaced as
// claims.ErrConflict.
func (o *Orchestrator) applyAndPersist(ctx context.Context, c *claims.Claim, ev lifecycle.Event, mutate func(*claims.Claim)) (*claims.Claim, error) {
	d, err := o.engine.Decide(c.State(), ev)
	if err != nil {
		return nil, err
	}
	o.apply(c, d, ev)
	if mutate != nil {
		mutate(c)
	}

	err = o.store.Update(ctx, c)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, claims.ErrConflict) {
		return nil, err
	}

	o.logger.Warn().Stringer("claim_id", c.ID).Str("event", string(ev.Type)).Msg("version conflict, retrying once")

	fresh, err := o.store.GetByID(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	d, err = o.engine.Decide(fresh.State(), ev)
	if err != nil {
		return nil, err
	}
	o.apply(fresh, d, ev)
	if mutate != nil {
		mutate(fresh)
	}
	if err := o.store.Update(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// apply folds a decision into the claim.
func (o *Orchestrator) apply(c *claims.Claim, d lifecycle.Decision, ev lifecycle.Event) {
	c.Status = d.Next
	if d.SetReviewFlag {
		c.RequiresHumanReview = d.RequiresReview
	}
	if d.SetOverride {
		c.ReviewOverride = true
		if ev.ReviewerID != "" {
			rid := ev.ReviewerID
			c.ReviewerID = &rid
		}
	}
	if d.ClearOverride {
		c.ReviewOverride = false
		c.ReviewerID = nil
	}

	c.FailureNote = nil
	switch ev.Type {
	case lifecycle.EventRejected, lifecycle.EventReviewRejected:
		if ev.Reason != "" {
			reason := ev.Reason
			c.FailureNote = &reason
		}
	case lifecycle.EventExtractionCompleted:
		conf := ev.Confidence
		c.OCRConfidence = &conf
	}
}

// runExtraction calls the gateway for a claim that just entered
// OCR_PROCESSING and folds the outcome. When the caller stops waiting the
// call keeps running and its result is folded in the background under the
// still-held lease; done=false tells Advance the lease handoff happened.
func (o *Orchestrator) runExtraction(ctx context.Context, c *claims.Claim, requestKey string, release func()) (_ *claims.Claim, done bool, _ error) {
	if c.DocumentURL == nil {
		return nil, true, fmt.Errorf("claim %s has no document attached", c.ID)
	}

	req := ocr.Request{
		ClaimID:        c.ID,
		DocumentURL:    *c.DocumentURL,
		IdempotencyKey: c.ID.String() + ":" + strconv.Itoa(c.VersionID),
	}

	type outcome struct {
		res *ocr.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := o.extractor.Extract(context.WithoutCancel(ctx), req)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		folded, err := o.foldExtraction(ctx, c.ID, requestKey, out.res, out.err)
		return folded, true, err
	case <-ctx.Done():
		go func() {
			out := <-ch
			bctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := o.foldExtraction(bctx, c.ID, requestKey, out.res, out.err); err != nil {
				o.logger.Error().Stringer("claim_id", c.ID).Err(err).Msg("background extraction fold failed")
			}
			release()
		}()
		return nil, false, ctx.Err()
	}
}

// foldExtraction persists the outcome of an extraction call. On failure the
// claim stays in OCR_PROCESSING with a failure note; on success the claim
// advances with the extracted data attached.
func (o *Orchestrator) foldExtraction(ctx context.Context, claimID uuid.UUID, requestKey string, res *ocr.Result, extractErr error) (*claims.Claim, error) {
	c, err := o.store.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}

	if extractErr != nil {
		note := "extraction unavailable, resubmit to retry"
		outErr := fmt.Errorf("claim %s: %v: %w", claimID, extractErr, ErrExtractionUnavailable)
		if errors.Is(extractErr, ocr.ErrPermanent) {
			note = "document cannot be extracted, attach a corrected document"
			outErr = fmt.Errorf("claim %s: %w", claimID, extractErr)
		}
		c.FailureNote = &note
		if err := o.store.Update(ctx, c); err != nil {
			return nil, err
		}
		o.finish(c, c.Status)
		return nil, outErr
	}

	from := c.Status
	ev := lifecycle.Event{
		Type:           lifecycle.EventExtractionCompleted,
		Confidence:     res.OverallConfidence,
		RequiresReview: res.RequiresReview,
	}
	c, err = o.applyAndPersist(ctx, c, ev, func(c *claims.Claim) {
		t := res.ProcessedAt
		c.OCRProcessedAt = &t
		c.RawData = map[string]interface{}{
			"extracted_text":   res.ExtractedText,
			"fields":           res.Fields,
			"field_confidence": res.FieldConfidence,
		}
	})
	if err != nil {
		return nil, err
	}
	o.finish(c, from)
	o.remember(claimID, requestKey, ev.Type, c)
	return c, nil
}

// finish refreshes the cache and announces the change. Refreshing rather
// than only dropping the entry gives readers on this node their own writes.
func (o *Orchestrator) finish(c *claims.Claim, from lifecycle.Status) {
	if o.cache != nil {
		o.cache.Invalidate(c.ID)
		o.cache.Set(c)
	}
	if o.notifier != nil && c.Status != from {
		o.notifier.ClaimStatusChanged(c, from)
	}
	o.logger.Info().
		Stringer("claim_id", c.ID).
		Str("from", string(from)).
		Str("to", string(c.Status)).
		Int("version", c.VersionID).
		Msg("claim advanced")
}

func (o *Orchestrator) remember(claimID uuid.UUID, requestKey string, ev lifecycle.EventType, c *claims.Claim) {
	if requestKey == "" {
		return
	}
	o.idem.put(claimID, requestKey, ev, c)
}
