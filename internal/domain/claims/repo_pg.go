package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claims/claims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const claimCols = `id, claim_number, policy_number, patient_name, date_of_service,
	claim_amount, claim_type, provider_name, diagnosis_codes, procedure_codes,
	status, document_url, raw_data, claim_metadata,
	ocr_confidence_score, ocr_processed_at, requires_human_review, review_override,
	reviewer_id, failure_note, version_id, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PolicyNumber, &c.PatientName, &c.DateOfService,
		&c.Amount, &c.ClaimType, &c.ProviderName, &c.DiagnosisCodes, &c.ProcedureCodes,
		&c.Status, &c.DocumentURL, &c.RawData, &c.Metadata,
		&c.OCRConfidence, &c.OCRProcessedAt, &c.RequiresHumanReview, &c.ReviewOverride,
		&c.ReviewerID, &c.FailureNote, &c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *repoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claims (id, claim_number, policy_number, patient_name, date_of_service,
			claim_amount, claim_type, provider_name, diagnosis_codes, procedure_codes,
			status, document_url, raw_data, claim_metadata,
			ocr_confidence_score, ocr_processed_at, requires_human_review, review_override,
			reviewer_id, failure_note, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,1)`,
		c.ID, c.ClaimNumber, c.PolicyNumber, c.PatientName, c.DateOfService,
		c.Amount, c.ClaimType, c.ProviderName, c.DiagnosisCodes, c.ProcedureCodes,
		c.Status, c.DocumentURL, c.RawData, c.Metadata,
		c.OCRConfidence, c.OCRProcessedAt, c.RequiresHumanReview, c.ReviewOverride,
		c.ReviewerID, c.FailureNote)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateClaimNumber
		}
		return err
	}
	c.VersionID = 1
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
}

func (r *repoPG) GetByClaimNumber(ctx context.Context, claimNumber string) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE claim_number = $1`, claimNumber))
}

// Update writes every mutable column guarded by the version token. A stale
// token affects zero rows, which is reported as ErrConflict so the caller can
// reload and retry.
func (r *repoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claims SET policy_number=$3, patient_name=$4, date_of_service=$5,
			claim_amount=$6, claim_type=$7, provider_name=$8,
			diagnosis_codes=$9, procedure_codes=$10,
			status=$11, document_url=$12, raw_data=$13, claim_metadata=$14,
			ocr_confidence_score=$15, ocr_processed_at=$16,
			requires_human_review=$17, review_override=$18, reviewer_id=$19, failure_note=$20,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2`,
		c.ID, c.VersionID, c.PolicyNumber, c.PatientName, c.DateOfService,
		c.Amount, c.ClaimType, c.ProviderName,
		c.DiagnosisCodes, c.ProcedureCodes,
		c.Status, c.DocumentURL, c.RawData, c.Metadata,
		c.OCRConfidence, c.OCRProcessedAt,
		c.RequiresHumanReview, c.ReviewOverride, c.ReviewerID, c.FailureNote)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, c.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	c.VersionID++
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM claims WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	where := []string{}
	args := []interface{}{}

	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ClaimType != "" {
		add("claim_type = $%d", f.ClaimType)
	}
	if f.PolicyNumber != "" {
		add("policy_number = $%d", f.PolicyNumber)
	}
	if f.PatientName != "" {
		add("patient_name ILIKE '%%' || $%d || '%%'", f.PatientName)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+claimCols+` FROM claims`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
