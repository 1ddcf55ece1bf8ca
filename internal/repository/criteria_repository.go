package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
)

const criteriaColumns = `id, owner_user_id, school, criteria_number, metric_number, payload, files, status, created_at, updated_at`

// CriteriaRepository is the criteria record store. Natural-key
// uniqueness lives in the unique index on (owner_user_id,
// criteria_number, metric_number); concurrent upserts for the same key
// serialize there, not in application code.
type CriteriaRepository struct {
	db *sqlx.DB
}

// NewCriteriaRepository constructs the repository.
func NewCriteriaRepository(db *sqlx.DB) *CriteriaRepository {
	return &CriteriaRepository{db: db}
}

// Upsert creates a draft record on first save of a natural key, or
// shallow-merges the payload (new keys overwrite, omitted keys remain)
// and appends the given files onto the existing record. Status is
// never touched by content upserts. When enforceLock is true the
// update is refused while the record sits in a locked state and the
// call fails with RECORD_LOCKED.
func (r *CriteriaRepository) Upsert(ctx context.Context, rec *models.CriteriaRecord, enforceLock bool) (*models.CriteriaRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	query := `INSERT INTO criteria_records (` + criteriaColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	ON CONFLICT (owner_user_id, criteria_number, metric_number)
	DO UPDATE SET
		payload = criteria_records.payload || EXCLUDED.payload,
		files = criteria_records.files || EXCLUDED.files,
		updated_at = EXCLUDED.updated_at`
	if enforceLock {
		query += `
	WHERE criteria_records.status NOT IN ('SUBMITTED', 'REVIEWED')`
	}
	query += `
	RETURNING ` + criteriaColumns

	var saved models.CriteriaRecord
	err := r.db.GetContext(ctx, &saved, query,
		rec.ID, rec.OwnerUserID, rec.School, rec.CriteriaNumber, rec.MetricNumber,
		rec.Payload, rec.Files, models.StatusDraft, now,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The conflict row exists but the lock predicate refused the update.
			return nil, appErrors.ErrRecordLocked
		}
		return nil, translateConstraint(err, "upsert criteria record")
	}
	return &saved, nil
}

// FindByID returns one record.
func (r *CriteriaRepository) FindByID(ctx context.Context, id string) (*models.CriteriaRecord, error) {
	query := `SELECT ` + criteriaColumns + ` FROM criteria_records WHERE id = $1 LIMIT 1`
	var rec models.CriteriaRecord
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("find criteria record by id: %w", err)
	}
	return &rec, nil
}

// FindByOwnerAndKey returns the record for a natural key, or NotFound.
func (r *CriteriaRepository) FindByOwnerAndKey(ctx context.Context, ownerUserID string, criteriaNumber, metricNumber int) (*models.CriteriaRecord, error) {
	query := `SELECT ` + criteriaColumns + ` FROM criteria_records
	WHERE owner_user_id = $1 AND criteria_number = $2 AND metric_number = $3 LIMIT 1`
	var rec models.CriteriaRecord
	if err := r.db.GetContext(ctx, &rec, query, ownerUserID, criteriaNumber, metricNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("find criteria record by key: %w", err)
	}
	return &rec, nil
}

// FindByOwner returns all of one user's records ordered by criteria
// number then metric number.
func (r *CriteriaRepository) FindByOwner(ctx context.Context, ownerUserID string) ([]models.CriteriaRecord, error) {
	query := `SELECT ` + criteriaColumns + ` FROM criteria_records
	WHERE owner_user_id = $1 ORDER BY criteria_number ASC, metric_number ASC`
	var records []models.CriteriaRecord
	if err := r.db.SelectContext(ctx, &records, query, ownerUserID); err != nil {
		return nil, fmt.Errorf("find criteria records by owner: %w", err)
	}
	return records, nil
}

// FindByOwnerAndCriteria returns one user's records for a criteria number.
func (r *CriteriaRepository) FindByOwnerAndCriteria(ctx context.Context, ownerUserID string, criteriaNumber int) ([]models.CriteriaRecord, error) {
	query := `SELECT ` + criteriaColumns + ` FROM criteria_records
	WHERE owner_user_id = $1 AND criteria_number = $2 ORDER BY metric_number ASC`
	var records []models.CriteriaRecord
	if err := r.db.SelectContext(ctx, &records, query, ownerUserID, criteriaNumber); err != nil {
		return nil, fmt.Errorf("find criteria records by criteria number: %w", err)
	}
	return records, nil
}

// FindAllWithFiles returns every record carrying at least one
// attachment, joined to its owner identity, ordered by criteria number
// ascending then owner name ascending (stable audit ordering).
func (r *CriteriaRepository) FindAllWithFiles(ctx context.Context) ([]models.CriteriaRecordWithOwner, error) {
	query := `SELECT r.id, r.owner_user_id, r.school, r.criteria_number, r.metric_number,
		r.payload, r.files, r.status, r.created_at, r.updated_at,
		u.full_name AS owner_name, u.email AS owner_email
	FROM criteria_records r
	JOIN users u ON u.id = r.owner_user_id
	WHERE jsonb_array_length(r.files) > 0
	ORDER BY r.criteria_number ASC, u.full_name ASC, r.metric_number ASC`
	var records []models.CriteriaRecordWithOwner
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("find criteria records with files: %w", err)
	}
	return records, nil
}

// FindBySchool returns all records for a school joined to owner
// identity, ordered by owner name then criteria number for stable
// grouping.
func (r *CriteriaRepository) FindBySchool(ctx context.Context, school string) ([]models.CriteriaRecordWithOwner, error) {
	query := `SELECT r.id, r.owner_user_id, r.school, r.criteria_number, r.metric_number,
		r.payload, r.files, r.status, r.created_at, r.updated_at,
		u.full_name AS owner_name, u.email AS owner_email
	FROM criteria_records r
	JOIN users u ON u.id = r.owner_user_id
	WHERE r.school = $1
	ORDER BY u.full_name ASC, r.owner_user_id ASC, r.criteria_number ASC, r.metric_number ASC`
	var records []models.CriteriaRecordWithOwner
	if err := r.db.SelectContext(ctx, &records, query, school); err != nil {
		return nil, fmt.Errorf("find criteria records by school: %w", err)
	}
	return records, nil
}

// FindSubmittedWithOwners returns every record past draft, joined to
// owner identity and ordered for per-user grouping.
func (r *CriteriaRepository) FindSubmittedWithOwners(ctx context.Context) ([]models.CriteriaRecordWithOwner, error) {
	query := `SELECT r.id, r.owner_user_id, r.school, r.criteria_number, r.metric_number,
		r.payload, r.files, r.status, r.created_at, r.updated_at,
		u.full_name AS owner_name, u.email AS owner_email
	FROM criteria_records r
	JOIN users u ON u.id = r.owner_user_id
	WHERE r.status <> 'DRAFT'
	ORDER BY u.full_name ASC, r.owner_user_id ASC, r.criteria_number ASC, r.metric_number ASC`
	var records []models.CriteriaRecordWithOwner
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("find submitted criteria records: %w", err)
	}
	return records, nil
}

// UpdateStatus transitions a record conditionally: the row is only
// touched while its current status still matches fromStatus, which
// keeps concurrent transition attempts from clobbering each other.
// Returns INVALID_TRANSITION when the guard no longer holds.
func (r *CriteriaRepository) UpdateStatus(ctx context.Context, id string, fromStatus, toStatus models.CriteriaStatus) error {
	const query = `UPDATE criteria_records SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, fromStatus, toStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update criteria status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check criteria status rows: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrInvalidTransition
	}
	return nil
}

// ForceStatus sets a record's status regardless of the current state.
// Reserved for the admin reopen path.
func (r *CriteriaRepository) ForceStatus(ctx context.Context, id string, toStatus models.CriteriaStatus) error {
	const query = `UPDATE criteria_records SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, toStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("force criteria status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check criteria status rows: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrNotFound
	}
	return nil
}

// translateConstraint maps storage-level constraint violations onto the
// domain taxonomy instead of leaking raw driver errors.
func translateConstraint(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return appErrors.Wrap(err, appErrors.ErrDuplicateKey.Code, appErrors.ErrDuplicateKey.Status, appErrors.ErrDuplicateKey.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}
