package claims

import "errors"

var (
	// ErrNotFound is returned when no claim matches the given identifier.
	ErrNotFound = errors.New("claim not found")

	// ErrConflict is returned when the claim's version token no longer
	// matches the stored row, including after the orchestrator's single
	// conflict retry.
	ErrConflict = errors.New("claim version conflict")

	// ErrDuplicateClaimNumber is returned by Create when the claim number is
	// already taken.
	ErrDuplicateClaimNumber = errors.New("claim number already exists")

	// ErrLeaseTimeout is returned when another writer held a claim's lease
	// for longer than the acquisition timeout.
	ErrLeaseTimeout = errors.New("claim lease acquisition timed out")

	// ErrExtractionUnavailable is returned when the extraction gateway
	// exhausted its retries. The claim stays in OCR_PROCESSING for a later
	// re-submission.
	ErrExtractionUnavailable = errors.New("extraction unavailable")
)
