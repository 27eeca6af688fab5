package claims

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/claims/claims/internal/lifecycle"
)

// Claim maps to the claims table.
type Claim struct {
	ID                  uuid.UUID              `db:"id" json:"id"`
	ClaimNumber         string                 `db:"claim_number" json:"claim_number"`
	PolicyNumber        string                 `db:"policy_number" json:"policy_number"`
	PatientName         string                 `db:"patient_name" json:"patient_name"`
	DateOfService       *time.Time             `db:"date_of_service" json:"date_of_service,omitempty"`
	Amount              float64                `db:"claim_amount" json:"claim_amount"`
	ClaimType           string                 `db:"claim_type" json:"claim_type"`
	ProviderName        *string                `db:"provider_name" json:"provider_name,omitempty"`
	DiagnosisCodes      []string               `db:"diagnosis_codes" json:"diagnosis_codes,omitempty"`
	ProcedureCodes      []string               `db:"procedure_codes" json:"procedure_codes,omitempty"`
	Status              lifecycle.Status       `db:"status" json:"status"`
	DocumentURL         *string                `db:"document_url" json:"document_url,omitempty"`
	RawData             map[string]interface{} `db:"raw_data" json:"raw_data,omitempty"`
	Metadata            map[string]interface{} `db:"claim_metadata" json:"claim_metadata,omitempty"`
	OCRConfidence       *float64               `db:"ocr_confidence_score" json:"ocr_confidence_score,omitempty"`
	OCRProcessedAt      *time.Time             `db:"ocr_processed_at" json:"ocr_processed_at,omitempty"`
	RequiresHumanReview bool                   `db:"requires_human_review" json:"requires_human_review"`
	ReviewOverride      bool                   `db:"review_override" json:"review_override"`
	ReviewerID          *string                `db:"reviewer_id" json:"reviewer_id,omitempty"`
	FailureNote         *string                `db:"failure_note" json:"failure_note,omitempty"`
	VersionID           int                    `db:"version_id" json:"version_id"`
	CreatedAt           time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time              `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (c *Claim) GetVersionID() int { return c.VersionID }

// SetVersionID sets the current version.
func (c *Claim) SetVersionID(v int) { c.VersionID = v }

// State projects the claim onto the fields the lifecycle engine reads.
func (c *Claim) State() lifecycle.ClaimState {
	return lifecycle.ClaimState{
		Status:              c.Status,
		ClaimType:           c.ClaimType,
		Amount:              c.Amount,
		Confidence:          c.OCRConfidence,
		RequiresHumanReview: c.RequiresHumanReview,
		ReviewOverride:      c.ReviewOverride,
	}
}

// Clone returns a deep copy. Cached claims are always clones so callers can
// mutate what they get back without corrupting the cache.
func (c *Claim) Clone() *Claim {
	cp := *c
	if c.DateOfService != nil {
		v := *c.DateOfService
		cp.DateOfService = &v
	}
	if c.ProviderName != nil {
		v := *c.ProviderName
		cp.ProviderName = &v
	}
	if c.DocumentURL != nil {
		v := *c.DocumentURL
		cp.DocumentURL = &v
	}
	if c.OCRConfidence != nil {
		v := *c.OCRConfidence
		cp.OCRConfidence = &v
	}
	if c.OCRProcessedAt != nil {
		v := *c.OCRProcessedAt
		cp.OCRProcessedAt = &v
	}
	if c.ReviewerID != nil {
		v := *c.ReviewerID
		cp.ReviewerID = &v
	}
	if c.FailureNote != nil {
		v := *c.FailureNote
		cp.FailureNote = &v
	}
	if c.DiagnosisCodes != nil {
		cp.DiagnosisCodes = append([]string(nil), c.DiagnosisCodes...)
	}
	if c.ProcedureCodes != nil {
		cp.ProcedureCodes = append([]string(nil), c.ProcedureCodes...)
	}
	if c.RawData != nil {
		cp.RawData = copyMap(c.RawData)
	}
	if c.Metadata != nil {
		cp.Metadata = copyMap(c.Metadata)
	}
	return &cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var validClaimTypes = map[string]bool{
	"medical": true, "dental": true, "vision": true, "pharmacy": true,
}

var claimNumberPattern = regexp.MustCompile(`^CLM-[A-Za-z0-9-]+$`)

// Validate checks the fields a caller controls on create.
func (c *Claim) Validate() error {
	if c.ClaimNumber == "" {
		return fmt.Errorf("claim_number is required")
	}
	if len(c.ClaimNumber) > 50 {
		return fmt.Errorf("claim_number must be at most 50 characters")
	}
	if !claimNumberPattern.MatchString(c.ClaimNumber) {
		return fmt.Errorf("claim_number must match CLM-<alphanumeric>")
	}
	if c.PolicyNumber == "" {
		return fmt.Errorf("policy_number is required")
	}
	if c.PatientName == "" {
		return fmt.Errorf("patient_name is required")
	}
	if c.Amount <= 0 {
		return fmt.Errorf("claim_amount must be greater than zero")
	}
	if math.Abs(c.Amount*100-math.Round(c.Amount*100)) > 1e-9 {
		return fmt.Errorf("claim_amount must have at most two decimal places")
	}
	if !validClaimTypes[c.ClaimType] {
		return fmt.Errorf("invalid claim_type: %s", c.ClaimType)
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("invalid status: %s", c.Status)
	}
	return nil
}
