package lifecycle

// EventType identifies a lifecycle signal. Events originate from API callers,
// the OCR gateway, or reviewers; the engine decides what each one means for
// the claim's current status.
type EventType string

const (
	EventDocumentAttached    EventType = "document_attached"
	EventExtractionStarted   EventType = "extraction_started"
	EventExtractionCompleted EventType = "extraction_completed"
	EventDQPassed            EventType = "dq_passed"
	EventConsentRequested    EventType = "consent_requested"
	EventReviewApproved      EventType = "review_approved"
	EventReviewRejected      EventType = "review_rejected"
	EventClaimValidated      EventType = "claim_validated"
	EventPayerSubmitted      EventType = "payer_submitted"
	EventSettled             EventType = "settled"
	EventRejected            EventType = "rejected"
)

// Event is a lifecycle signal with its payload. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type EventType

	// Confidence and RequiresReview carry the outcome of an extraction for
	// EventExtractionCompleted.
	Confidence     float64
	RequiresReview bool

	// ReviewerID identifies the reviewer for review events.
	ReviewerID string

	// Reason is a free-text explanation for rejections.
	Reason string

	// ForceReview requests fresh review routing on EventConsentRequested,
	// discarding a prior reviewer override.
	ForceReview bool
}

var knownEvents = map[EventType]bool{
	EventDocumentAttached:    true,
	EventExtractionStarted:   true,
	EventExtractionCompleted: true,
	EventDQPassed:            true,
	EventConsentRequested:    true,
	EventReviewApproved:      true,
	EventReviewRejected:      true,
	EventClaimValidated:      true,
	EventPayerSubmitted:      true,
	EventSettled:             true,
	EventRejected:            true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return knownEvents[t]
}
