package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/claims/claims/internal/ocr"
)

// AttemptLog keeps recent extraction attempts per claim. It implements
// ocr.AttemptRecorder so the gateway reports every call it makes, and the
// API exposes the log for troubleshooting stuck claims.
type AttemptLog struct {
	mu      sync.Mutex
	entries *gocache.Cache
}

func NewAttemptLog(retention time.Duration) *AttemptLog {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &AttemptLog{entries: gocache.New(retention, 2*retention)}
}

func (l *AttemptLog) RecordAttempt(claimID uuid.UUID, a ocr.Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var attempts []ocr.Attempt
	if v, ok := l.entries.Get(claimID.String()); ok {
		attempts = v.([]ocr.Attempt)
	}
	l.entries.SetDefault(claimID.String(), append(attempts, a))
}

// Attempts returns the recorded attempts for a claim, oldest first.
func (l *AttemptLog) Attempts(claimID uuid.UUID) []ocr.Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.entries.Get(claimID.String())
	if !ok {
		return nil
	}
	attempts := v.([]ocr.Attempt)
	out := make([]ocr.Attempt, len(attempts))
	copy(out, attempts)
	return out
}
