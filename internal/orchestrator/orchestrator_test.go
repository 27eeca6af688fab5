package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
	"github.com/claims/claims/internal/lifecycle"
	"github.com/claims/claims/internal/ocr"
)

type memStore struct {
	mu             sync.Mutex
	items          map[uuid.UUID]*claims.Claim
	updateDelay    time.Duration
	forceConflicts int
	updates        int
}

func newMemStore(cs ...*claims.Claim) *memStore {
	s := &memStore{items: make(map[uuid.UUID]*claims.Claim)}
	for _, c := range cs {
		s.items[c.ID] = c.Clone()
	}
	return s
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*claims.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, claims.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) Update(_ context.Context, c *claims.Claim) error {
	if s.updateDelay > 0 {
		time.Sleep(s.updateDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.forceConflicts > 0 {
		s.forceConflicts--
		return claims.ErrConflict
	}
	stored, ok := s.items[c.ID]
	if !ok {
		return claims.ErrNotFound
	}
	if stored.VersionID != c.VersionID {
		return claims.ErrConflict
	}
	c.VersionID++
	s.items[c.ID] = c.Clone()
	return nil
}

type stubExtractor struct {
	mu    sync.Mutex
	calls int
	res   *ocr.Result
	err   error
	delay time.Duration
}

func (e *stubExtractor) Extract(ctx context.Context, req ocr.Request) (*ocr.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	r := *e.res
	return &r, nil
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []uuid.UUID
	set         []*claims.Claim
}

func (r *recordingCache) Invalidate(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, id)
}

func (r *recordingCache) Set(c *claims.Claim) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set = append(r.set, c.Clone())
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) ClaimStatusChanged(c *claims.Claim, from lifecycle.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(from)+">"+string(c.Status))
}

func seedClaim(status lifecycle.Status) *claims.Claim {
	doc := "https://docs.example.com/claim.pdf"
	return &claims.Claim{
		ID:           uuid.New(),
		ClaimNumber:  "CLM-7001",
		PolicyNumber: "POL-1",
		PatientName:  "Dana Smith",
		Amount:       420.50,
		ClaimType:    "medical",
		Status:       status,
		DocumentURL:  &doc,
		VersionID:    1,
	}
}

func newOrch(store ClaimStore, ext ocr.Extractor, cache Invalidator, n Notifier) *Orchestrator {
	return New(store, lifecycle.NewEngine(lifecycle.Config{}), ext, cache, n,
		Config{LeaseTimeout: time.Second, IdempotencyWindow: time.Minute}, zerolog.Nop())
}

func TestAdvance_SimpleTransition(t *testing.T) {
	c := seedClaim(lifecycle.StatusReceived)
	store := newMemStore(c)
	cache := &recordingCache{}
	notifier := &recordingNotifier{}
	o := newOrch(store, nil, cache, notifier)

	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventDocumentAttached}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != lifecycle.StatusDocumentUploaded {
		t.Errorf("status = %s, want DOCUMENT_UPLOADED", got.Status)
	}
	if got.VersionID != 2 {
		t.Errorf("version = %d, want 2", got.VersionID)
	}
	if len(cache.set) == 0 || cache.set[len(cache.set)-1].Status != lifecycle.StatusDocumentUploaded {
		t.Error("cache should hold the written claim")
	}
	if len(notifier.events) != 1 || notifier.events[0] != "RECEIVED>DOCUMENT_UPLOADED" {
		t.Errorf("notifier events = %v", notifier.events)
	}
}

func TestAdvance_InvalidTransition(t *testing.T) {
	c := seedClaim(lifecycle.StatusReceived)
	store := newMemStore(c)
	o := newOrch(store, nil, nil, nil)

	_, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventSettled}, "")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if store.updates != 0 {
		t.Errorf("store updates = %d, want 0 on rejected transition", store.updates)
	}
}

func TestAdvance_UnknownClaim(t *testing.T) {
	o := newOrch(newMemStore(), nil, nil, nil)

	_, err := o.Advance(context.Background(), uuid.New(), lifecycle.Event{Type: lifecycle.EventSettled}, "")
	if !errors.Is(err, claims.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAdvance_ExtractionSuccess(t *testing.T) {
	c := seedClaim(lifecycle.StatusDocumentUploaded)
	store := newMemStore(c)
	ext := &stubExtractor{res: &ocr.Result{
		ExtractedText:     "total 420.50",
		OverallConfidence: 0.93,
		ProcessedAt:       time.Now().UTC(),
	}}
	o := newOrch(store, ext, nil, nil)

	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != lifecycle.StatusPIIMasked {
		t.Errorf("status = %s, want PII_MASKED", got.Status)
	}
	if got.OCRConfidence == nil || *got.OCRConfidence != 0.93 {
		t.Errorf("confidence = %v, want 0.93", got.OCRConfidence)
	}
	if got.RequiresHumanReview {
		t.Error("confidence above threshold must not flag review")
	}
	if got.RawData["extracted_text"] != "total 420.50" {
		t.Errorf("raw_data = %v, want extracted text folded in", got.RawData)
	}
	if ext.calls != 1 {
		t.Errorf("extractor calls = %d, want 1", ext.calls)
	}
}

func TestAdvance_LowConfidenceFlagsReview(t *testing.T) {
	c := seedClaim(lifecycle.StatusDocumentUploaded)
	store := newMemStore(c)
	ext := &stubExtractor{res: &ocr.Result{OverallConfidence: 0.42, ProcessedAt: time.Now().UTC()}}
	o := newOrch(store, ext, nil, nil)

	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.RequiresHumanReview {
		t.Error("confidence 0.42 should flag human review")
	}
}

func TestAdvance_ExtractionUnavailableLeavesClaimRetryable(t *testing.T) {
	c := seedClaim(lifecycle.StatusDocumentUploaded)
	store := newMemStore(c)
	ext := &stubExtractor{err: ocr.ErrTransient}
	o := newOrch(store, ext, nil, nil)

	_, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
	if !errors.Is(err, ErrExtractionUnavailable) {
		t.Fatalf("err = %v, want ErrExtractionUnavailable", err)
	}

	stored, _ := store.GetByID(context.Background(), c.ID)
	if stored.Status != lifecycle.StatusOCRProcessing {
		t.Errorf("status = %s, want OCR_PROCESSING awaiting re-submission", stored.Status)
	}
	if stored.FailureNote == nil {
		t.Error("expected a failure note on the claim")
	}

	// A later re-submission runs extraction again from OCR_PROCESSING.
	ext.err = nil
	ext.res = &ocr.Result{OverallConfidence: 0.9, ProcessedAt: time.Now().UTC()}
	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
	if err != nil {
		t.Fatalf("re-submission failed: %v", err)
	}
	if got.Status != lifecycle.StatusPIIMasked {
		t.Errorf("status after retry = %s, want PII_MASKED", got.Status)
	}
	if got.FailureNote != nil {
		t.Error("failure note should be cleared on success")
	}
}

func TestAdvance_PermanentExtractionFailure(t *testing.T) {
	c := seedClaim(lifecycle.StatusDocumentUploaded)
	store := newMemStore(c)
	ext := &stubExtractor{err: ocr.ErrPermanent}
	o := newOrch(store, ext, nil, nil)

	_, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
	if !errors.Is(err, ocr.ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
	if errors.Is(err, ErrExtractionUnavailable) {
		t.Error("permanent failures must not be reported as retryable")
	}

	stored, _ := store.GetByID(context.Background(), c.ID)
	if stored.Status != lifecycle.StatusOCRProcessing || stored.FailureNote == nil {
		t.Errorf("claim should stay in OCR_PROCESSING with a note, got %s", stored.Status)
	}
}

func TestAdvance_IdempotentReplay(t *testing.T) {
	c := seedClaim(lifecycle.StatusReceived)
	store := newMemStore(c)
	o := newOrch(store, nil, nil, nil)

	first, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventDocumentAttached}, "req-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	updatesAfterFirst := store.updates

	second, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventDocumentAttached}, "req-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if store.updates != updatesAfterFirst {
		t.Errorf("replay performed %d extra writes", store.updates-updatesAfterFirst)
	}
	if second.Status != first.Status || second.VersionID != first.VersionID {
		t.Errorf("replay snapshot differs: %s/%d vs %s/%d", second.Status, second.VersionID, first.Status, first.VersionID)
	}

	// Same key, different event is a different request.
	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventRejected}, "req-1")
	if err != nil {
		t.Fatalf("different event under same key: %v", err)
	}
	if store.updates == updatesAfterFirst || got.Status != lifecycle.StatusRejected {
		t.Error("a different event under the same key must not replay the old snapshot")
	}
}

func TestAdvance_ConflictRetriesOnce(t *testing.T) {
	c := seedClaim(lifecycle.StatusPayerSubmitted)
	store := newMemStore(c)
	store.forceConflicts = 1
	o := newOrch(store, nil, nil, nil)

	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventSettled}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != lifecycle.StatusSettled {
		t.Errorf("status = %s, want SETTLED", got.Status)
	}
	if store.updates != 2 {
		t.Errorf("updates = %d, want 2 (original plus one retry)", store.updates)
	}
}

func TestAdvance_SecondConflictSurfaces(t *testing.T) {
	c := seedClaim(lifecycle.StatusPayerSubmitted)
	store := newMemStore(c)
	store.forceConflicts = 2
	o := newOrch(store, nil, nil, nil)

	_, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventSettled}, "")
	if !errors.Is(err, claims.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict after exhausted retry", err)
	}
	if store.updates != 2 {
		t.Errorf("updates = %d, want exactly 2", store.updates)
	}
}

func TestAdvance_ConcurrentWritersOneWinner(t *testing.T) {
	c := seedClaim(lifecycle.StatusPayerSubmitted)
	store := newMemStore(c)
	store.updateDelay = 10 * time.Millisecond
	o := newOrch(store, nil, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	events := []lifecycle.EventType{lifecycle.EventSettled, lifecycle.EventRejected}
	for i := range events {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Advance(context.Background(), c.ID, lifecycle.Event{Type: events[i]}, "")
		}(i)
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Fatalf("got %d winners and %d invalid, want exactly one of each", ok, invalid)
	}

	stored, _ := store.GetByID(context.Background(), c.ID)
	if !stored.Status.Terminal() {
		t.Errorf("final status = %s, want terminal", stored.Status)
	}
	if stored.VersionID != 2 {
		t.Errorf("version = %d, want exactly one write", stored.VersionID)
	}
}

func TestAdvance_LeaseTimeout(t *testing.T) {
	c := seedClaim(lifecycle.StatusDocumentUploaded)
	store := newMemStore(c)
	ext := &stubExtractor{delay: 300 * time.Millisecond, res: &ocr.Result{OverallConfidence: 0.9, ProcessedAt: time.Now().UTC()}}
	o := New(store, lifecycle.NewEngine(lifecycle.Config{}), ext, nil, nil,
		Config{LeaseTimeout: 30 * time.Millisecond}, zerolog.Nop())

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
		close(done)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventRejected}, "")
	if !errors.Is(err, ErrLeaseTimeout) {
		t.Fatalf("err = %v, want ErrLeaseTimeout", err)
	}
	<-done
}

func TestAdvance_ReviewApprovalOverrideSurvivesReextraction(t *testing.T) {
	c := seedClaim(lifecycle.StatusHumanReview)
	c.RequiresHumanReview = true
	store := newMemStore(c)
	o := newOrch(store, nil, nil, nil)

	got, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: lifecycle.EventReviewApproved, ReviewerID: "rev-9"}, "")
	if err != nil {
		t.Fatalf("approval failed: %v", err)
	}
	if got.Status != lifecycle.StatusConsentVerified {
		t.Errorf("status = %s, want CONSENT_VERIFIED", got.Status)
	}
	if !got.ReviewOverride {
		t.Error("approval must set the review override")
	}
	if got.ReviewerID == nil || *got.ReviewerID != "rev-9" {
		t.Error("approval must record the reviewer")
	}
}

func TestAdvance_TerminalClaimIsImmutable(t *testing.T) {
	c := seedClaim(lifecycle.StatusSettled)
	store := newMemStore(c)
	o := newOrch(store, nil, nil, nil)

	for _, ev := range []lifecycle.EventType{lifecycle.EventRejected, lifecycle.EventExtractionStarted, lifecycle.EventSettled} {
		_, err := o.Advance(context.Background(), c.ID, lifecycle.Event{Type: ev}, "")
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Errorf("event %s on settled claim: err = %v, want ErrInvalidTransition", ev, err)
		}
	}
	if store.updates != 0 {
		t.Errorf("updates = %d, want 0", store.updates)
	}
}

func TestAdvance_CallerCancellationStillPersistsResult(t *testing.T) {
	c := seedClaim(lifecycle.StatusDocumentUploaded)
	store := newMemStore(c)
	ext := &stubExtractor{delay: 50 * time.Millisecond, res: &ocr.Result{OverallConfidence: 0.9, ProcessedAt: time.Now().UTC()}}
	o := newOrch(store, ext, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	_, err := o.Advance(ctx, c.ID, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, _ := store.GetByID(context.Background(), c.ID)
		if stored.Status == lifecycle.StatusPIIMasked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("completed extraction was never folded after caller cancellation")
}
