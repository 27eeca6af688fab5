// Package ocr talks to the document extraction service. The HTTP client maps
// transport outcomes onto a small failure taxonomy; the Gateway wraps it with
// retry, rate limiting and confidence normalization.
package ocr

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout means a single extraction call exceeded its deadline.
	ErrTimeout = errors.New("extraction timed out")

	// ErrTransient means the extraction service failed in a way worth
	// retrying (5xx, connection refused).
	ErrTransient = errors.New("extraction transiently unavailable")

	// ErrPermanent means the document can never be extracted as submitted
	// (unsupported format, malformed payload). Never retried.
	ErrPermanent = errors.New("extraction permanently failed")
)

// Request identifies one extraction job.
type Request struct {
	ClaimID     uuid.UUID `json:"claim_id"`
	DocumentURL string    `json:"document_url"`

	// IdempotencyKey dedupes retried calls on the extraction service side.
	IdempotencyKey string `json:"-"`
}

// Result is a completed extraction.
type Result struct {
	ExtractedText     string                 `json:"extracted_text"`
	Fields            map[string]interface{} `json:"fields"`
	FieldConfidence   map[string]float64     `json:"field_confidence"`
	TextConfidence    float64                `json:"text_confidence"`
	OverallConfidence float64                `json:"overall_confidence"`
	RequiresReview    bool                   `json:"requires_review"`
	ProcessedAt       time.Time              `json:"processed_at"`
}

// Extractor performs a single extraction attempt.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

var supportedExtensions = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".tiff": true, ".tif": true,
}

// SupportedFormat reports whether the document reference carries an
// extension the extraction service accepts.
func SupportedFormat(documentURL string) bool {
	ext := strings.ToLower(path.Ext(documentURL))
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	return supportedExtensions[ext]
}
