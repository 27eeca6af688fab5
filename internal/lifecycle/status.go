package lifecycle

// Status is the processing stage of a claim. A claim moves through statuses
// in a fixed order; Engine.Decide is the only place transitions are computed.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusDocumentUploaded Status = "DOCUMENT_UPLOADED"
	StatusOCRProcessing    Status = "OCR_PROCESSING"
	StatusPIIMasked        Status = "PII_MASKED"
	StatusDQValidated      Status = "DQ_VALIDATED"
	StatusHumanReview      Status = "HUMAN_REVIEW"
	StatusConsentVerified  Status = "CONSENT_VERIFIED"
	StatusClaimValidated   Status = "CLAIM_VALIDATED"
	StatusPayerSubmitted   Status = "PAYER_SUBMITTED"
	StatusSettled          Status = "SETTLED"
	StatusRejected         Status = "REJECTED"
)

var allStatuses = map[Status]bool{
	StatusReceived:         true,
	StatusDocumentUploaded: true,
	StatusOCRProcessing:    true,
	StatusPIIMasked:        true,
	StatusDQValidated:      true,
	StatusHumanReview:      true,
	StatusConsentVerified:  true,
	StatusClaimValidated:   true,
	StatusPayerSubmitted:   true,
	StatusSettled:          true,
	StatusRejected:         true,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return allStatuses[s]
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusRejected
}
