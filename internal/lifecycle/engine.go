package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is the sentinel matched by errors.Is for any rejected
// transition. The concrete error is always a *TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an event that is not allowed from a status.
type TransitionError struct {
	From  Status
	Event EventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not allowed from status %q", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ClaimState is the slice of a claim the engine needs to decide a transition.
type ClaimState struct {
	Status              Status
	ClaimType           string
	Amount              float64
	Confidence          *float64
	RequiresHumanReview bool
	ReviewOverride      bool
}

// Decision is the outcome of a transition: the next status plus the side
// effects the caller must apply before persisting.
type Decision struct {
	Next Status

	// CallExtraction is set when the claim enters OCR_PROCESSING and an
	// extraction call must be made.
	CallExtraction bool

	// SetReviewFlag indicates RequiresReview carries a new value for the
	// claim's review flag.
	SetReviewFlag  bool
	RequiresReview bool

	// SetOverride records a reviewer approval so later re-extractions do not
	// re-route the claim into review. ClearOverride discards a prior override
	// when fresh routing was explicitly requested.
	SetOverride   bool
	ClearOverride bool
}

// Config tunes routing. A zero ReviewThreshold falls back to 0.80.
type Config struct {
	// ReviewThreshold is the minimum overall confidence that avoids human
	// review. A claim with confidence strictly below it is routed to review.
	ReviewThreshold float64

	// TypeThresholds overrides ReviewThreshold per claim type.
	TypeThresholds map[string]float64

	// MandatoryReviewAmount forces review for claims at or above this amount.
	// Zero disables the rule.
	MandatoryReviewAmount float64
}

const defaultReviewThreshold = 0.80

// Engine computes lifecycle transitions. It is pure: Decide never touches
// storage and is safe for concurrent use.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = defaultReviewThreshold
	}
	return &Engine{cfg: cfg}
}

// Threshold returns the confidence threshold in effect for a claim type.
func (e *Engine) Threshold(claimType string) float64 {
	if t, ok := e.cfg.TypeThresholds[claimType]; ok && t > 0 {
		return t
	}
	return e.cfg.ReviewThreshold
}

// Decide validates ev against cs and returns the resulting transition.
// It returns a *TransitionError (matching ErrInvalidTransition) when the
// event is not allowed from the current status, including any event against
// a terminal status.
func (e *Engine) Decide(cs ClaimState, ev Event) (Decision, error) {
	if !cs.Status.Valid() {
		return Decision{}, fmt.Errorf("unknown status %q", cs.Status)
	}
	if !ev.Type.Valid() {
		return Decision{}, fmt.Errorf("unknown event %q", ev.Type)
	}
	if cs.Status.Terminal() {
		return Decision{}, &TransitionError{From: cs.Status, Event: ev.Type}
	}

	switch ev.Type {
	case EventDocumentAttached:
		// Re-attaching from OCR_PROCESSING replaces a document that could
		// not be extracted.
		switch cs.Status {
		case StatusReceived, StatusDocumentUploaded, StatusOCRProcessing:
			return Decision{Next: StatusDocumentUploaded}, nil
		}

	case EventExtractionStarted:
		// OCR_PROCESSING re-admits the event so a failed extraction can be
		// re-submitted manually.
		switch cs.Status {
		case StatusReceived, StatusDocumentUploaded, StatusOCRProcessing:
			return Decision{Next: StatusOCRProcessing, CallExtraction: true}, nil
		}

	case EventExtractionCompleted:
		if cs.Status == StatusOCRProcessing {
			review := ev.RequiresReview || ev.Confidence < e.Threshold(cs.ClaimType)
			return Decision{
				Next:           StatusPIIMasked,
				SetReviewFlag:  true,
				RequiresReview: review,
			}, nil
		}

	case EventDQPassed:
		if cs.Status == StatusPIIMasked {
			return Decision{Next: StatusDQValidated}, nil
		}

	case EventConsentRequested:
		if cs.Status == StatusDQValidated {
			return e.route(cs, ev), nil
		}

	case EventReviewApproved:
		if cs.Status == StatusHumanReview {
			return Decision{
				Next:           StatusConsentVerified,
				SetOverride:    true,
				SetReviewFlag:  true,
				RequiresReview: false,
			}, nil
		}

	case EventReviewRejected:
		if cs.Status == StatusHumanReview {
			return Decision{Next: StatusRejected}, nil
		}

	case EventClaimValidated:
		if cs.Status == StatusConsentVerified {
			return Decision{Next: StatusClaimValidated}, nil
		}

	case EventPayerSubmitted:
		if cs.Status == StatusClaimValidated {
			return Decision{Next: StatusPayerSubmitted}, nil
		}

	case EventSettled:
		if cs.Status == StatusPayerSubmitted {
			return Decision{Next: StatusSettled}, nil
		}

	case EventRejected:
		// Operational rejection is accepted from every non-terminal status.
		return Decision{Next: StatusRejected}, nil
	}

	return Decision{}, &TransitionError{From: cs.Status, Event: ev.Type}
}

// route decides where a DQ-validated claim goes next. Confidence below the
// type threshold or an amount at or above the mandatory ceiling sends the
// claim to review; a standing reviewer override skips review unless the
// caller explicitly forces fresh routing.
func (e *Engine) route(cs ClaimState, ev Event) Decision {
	review := cs.RequiresHumanReview
	if cs.Confidence != nil && *cs.Confidence < e.Threshold(cs.ClaimType) {
		review = true
	}
	if e.cfg.MandatoryReviewAmount > 0 && cs.Amount >= e.cfg.MandatoryReviewAmount {
		review = true
	}

	d := Decision{}
	if cs.ReviewOverride {
		if ev.ForceReview {
			d.ClearOverride = true
		} else {
			review = false
		}
	}

	if review {
		d.Next = StatusHumanReview
	} else {
		d.Next = StatusConsentVerified
	}
	d.SetReviewFlag = true
	d.RequiresReview = review
	return d
}
