package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CriteriaStatus tracks a record through the review lifecycle.
type CriteriaStatus string

const (
	StatusDraft     CriteriaStatus = "DRAFT"
	StatusSubmitted CriteriaStatus = "SUBMITTED"
	StatusReviewed  CriteriaStatus = "REVIEWED"
	StatusRejected  CriteriaStatus = "REJECTED"
)

// Valid reports whether the status is a known lifecycle state.
func (s CriteriaStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusReviewed, StatusRejected:
		return true
	}
	return false
}

// Locked reports whether owner content edits are blocked in this state.
func (s CriteriaStatus) Locked() bool {
	return s == StatusSubmitted || s == StatusReviewed
}

// Payload is the schema-described criterion content. The shape varies
// per criteria number and is opaque to the core; it is stored as jsonb.
type Payload map[string]interface{}

// Value implements driver.Valuer for jsonb storage.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for jsonb storage.
func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported payload scan type %T", src)
	}
}

// FileAttachment describes one uploaded evidence file. The URL points
// into the blob store; records reference files only after the upload
// has been confirmed.
type FileAttachment struct {
	URL          string    `json:"url"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// FileList is the ordered attachment sequence stored as jsonb. Entries
// are appended by upserts and never silently dropped.
type FileList []FileAttachment

// Value implements driver.Valuer for jsonb storage.
func (f FileList) Value() (driver.Value, error) {
	if f == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner for jsonb storage.
func (f *FileList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*f = FileList{}
		return nil
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("unsupported file list scan type %T", src)
	}
}

// CriteriaRecord is one unit of accreditation evidence, uniquely keyed
// by (owner_user_id, criteria_number, metric_number). Owner and school
// are immutable after creation; records are never physically deleted.
type CriteriaRecord struct {
	ID             string         `db:"id" json:"id"`
	OwnerUserID    string         `db:"owner_user_id" json:"owner_user_id"`
	School         string         `db:"school" json:"school"`
	CriteriaNumber int            `db:"criteria_number" json:"criteria_number"`
	MetricNumber   int            `db:"metric_number" json:"metric_number"`
	Payload        Payload        `db:"payload" json:"payload"`
	Files          FileList       `db:"files" json:"files"`
	Status         CriteriaStatus `db:"status" json:"status"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// CriteriaRecordWithOwner joins a record to its owner identity for
// aggregation views.
type CriteriaRecordWithOwner struct {
	CriteriaRecord
	OwnerName  string `db:"owner_name" json:"owner_name"`
	OwnerEmail string `db:"owner_email" json:"owner_email"`
}

// ReviewDecision is the reviewer's verdict on a submitted record.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "APPROVE"
	DecisionReject  ReviewDecision = "REJECT"
)

// UserSubmissionSummary aggregates one user's submitted-or-later records.
type UserSubmissionSummary struct {
	User    UserInfo         `json:"user"`
	Count   int              `json:"count"`
	Records []CriteriaRecord `json:"records"`
}

// SchoolDataGroup holds one owner's records inside a school view.
type SchoolDataGroup struct {
	Owner   UserInfo         `json:"owner"`
	Records []CriteriaRecord `json:"records"`
}
