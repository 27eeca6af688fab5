package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/lifecycle"
	"github.com/claims/claims/internal/ocr"
)

// Advancer runs a lifecycle event against a claim. Implemented by the
// orchestrator; faked in tests.
type Advancer interface {
	Advance(ctx context.Context, claimID uuid.UUID, ev lifecycle.Event, requestKey string) (*Claim, error)
}

// Cache is the read-side cache the service consults before the repository.
type Cache interface {
	Get(id uuid.UUID) (*Claim, bool)
	Set(c *Claim)
	GetList(fingerprint string) ([]*Claim, int, bool)
	SetList(fingerprint string, items []*Claim, total int)
	Invalidate(id uuid.UUID)
}

type Service struct {
	repo   Repository
	cache  Cache
	adv    Advancer
	logger zerolog.Logger
}

func NewService(repo Repository, cache Cache, adv Advancer, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: cache, adv: adv, logger: logger.With().Str("component", "claims_service").Logger()}
}

func (s *Service) CreateClaim(ctx context.Context, c *Claim) error {
	if c.Status == "" {
		c.Status = lifecycle.StatusReceived
	}
	if c.Status != lifecycle.StatusReceived {
		return fmt.Errorf("new claims must start in %s", lifecycle.StatusReceived)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(c.ID)
		s.cache.Set(c)
	}
	s.logger.Info().Stringer("claim_id", c.ID).Str("claim_number", c.ClaimNumber).Msg("claim created")
	return nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	if s.cache != nil {
		if c, ok := s.cache.Get(id); ok {
			return c, nil
		}
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(c)
	}
	return c, nil
}

func (s *Service) GetClaimByNumber(ctx context.Context, claimNumber string) (*Claim, error) {
	return s.repo.GetByClaimNumber(ctx, claimNumber)
}

func (s *Service) ListClaims(ctx context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	fp := listFingerprint(f, limit, offset)
	if s.cache != nil {
		if items, total, ok := s.cache.GetList(fp); ok {
			return items, total, nil
		}
	}
	items, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if s.cache != nil {
		s.cache.SetList(fp, items, total)
	}
	return items, total, nil
}

// UpdatePatch carries the caller-editable fields of a claim. Status is
// deliberately absent; all status movement goes through Advance.
type UpdatePatch struct {
	PolicyNumber   *string                `json:"policy_number,omitempty"`
	PatientName    *string                `json:"patient_name,omitempty"`
	DateOfService  *time.Time             `json:"date_of_service,omitempty"`
	ProviderName   *string                `json:"provider_name,omitempty"`
	DiagnosisCodes []string               `json:"diagnosis_codes,omitempty"`
	ProcedureCodes []string               `json:"procedure_codes,omitempty"`
	Metadata       map[string]interface{} `json:"claim_metadata,omitempty"`
}

func (s *Service) UpdateClaim(ctx context.Context, id uuid.UUID, patch UpdatePatch) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, &lifecycle.TransitionError{From: c.Status, Event: "update"}
	}

	if patch.PolicyNumber != nil {
		c.PolicyNumber = *patch.PolicyNumber
	}
	if patch.PatientName != nil {
		c.PatientName = *patch.PatientName
	}
	if patch.DateOfService != nil {
		c.DateOfService = patch.DateOfService
	}
	if patch.ProviderName != nil {
		c.ProviderName = patch.ProviderName
	}
	if patch.DiagnosisCodes != nil {
		c.DiagnosisCodes = patch.DiagnosisCodes
	}
	if patch.ProcedureCodes != nil {
		c.ProcedureCodes = patch.ProcedureCodes
	}
	if patch.Metadata != nil {
		c.Metadata = patch.Metadata
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(c.ID)
		s.cache.Set(c)
	}
	return c, nil
}

func (s *Service) DeleteClaim(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(id)
	}
	s.logger.Info().Stringer("claim_id", id).Msg("claim deleted")
	return nil
}

// AttachDocument stores the document reference and pushes the claim through
// document upload into extraction. The extraction itself runs inside the
// orchestrator; a retryable extraction failure leaves the claim parked in
// OCR_PROCESSING and is surfaced to the caller.
func (s *Service) AttachDocument(ctx context.Context, id uuid.UUID, documentURL, requestKey string) (*Claim, error) {
	if documentURL == "" {
		return nil, fmt.Errorf("document_url is required")
	}
	if !ocr.SupportedFormat(documentURL) {
		return nil, fmt.Errorf("unsupported document format: %w", ocr.ErrPermanent)
	}

	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.DocumentURL = &documentURL
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(c.ID)
		s.cache.Set(c)
	}

	if _, err := s.adv.Advance(ctx, id, lifecycle.Event{Type: lifecycle.EventDocumentAttached}, requestKey); err != nil {
		return nil, err
	}
	return s.adv.Advance(ctx, id, lifecycle.Event{Type: lifecycle.EventExtractionStarted}, requestKey)
}

// Advance is the generic lifecycle entry point for API callers.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, ev lifecycle.Event, requestKey string) (*Claim, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("unknown event: %s", ev.Type)
	}
	return s.adv.Advance(ctx, id, ev, requestKey)
}

// Review resolves a claim sitting in HUMAN_REVIEW.
func (s *Service) Review(ctx context.Context, id uuid.UUID, decision, reviewerID, reason, requestKey string) (*Claim, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("reviewer_id is required")
	}
	switch decision {
	case "approve":
		return s.adv.Advance(ctx, id, lifecycle.Event{Type: lifecycle.EventReviewApproved, ReviewerID: reviewerID}, requestKey)
	case "reject":
		return s.adv.Advance(ctx, id, lifecycle.Event{Type: lifecycle.EventReviewRejected, ReviewerID: reviewerID, Reason: reason}, requestKey)
	default:
		return nil, fmt.Errorf("invalid review decision: %s", decision)
	}
}

// listFingerprint derives a stable cache key from normalized list inputs.
func listFingerprint(f ListFilter, limit, offset int) string {
	raw := fmt.Sprintf("claims|status=%s|type=%s|policy=%s|patient=%s|limit=%d|offset=%d",
		f.Status, f.ClaimType, f.PolicyNumber, f.PatientName, limit, offset)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
