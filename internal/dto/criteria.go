package dto

import "github.com/noah-isme/accred-portal-api/internal/models"

// SaveCriteriaRequest carries the multipart form fields of
// POST /criteria/save. Payload arrives as a JSON-encoded string so it
// can ride alongside file parts.
type SaveCriteriaRequest struct {
	CriteriaNumber int    `form:"criteria_number" json:"criteria_number" validate:"required,min=1"`
	MetricNumber   int    `form:"metric_number" json:"metric_number" validate:"required,min=1"`
	Payload        string `form:"payload" json:"payload"`
}

// ReviewCriteriaRequest captures the reviewer decision body.
type ReviewCriteriaRequest struct {
	Decision models.ReviewDecision `json:"decision" validate:"required,oneof=APPROVE REJECT"`
}

// AllFilesEntry is one row of the admin file audit view: a record with
// a non-empty file list joined to its owner identity.
type AllFilesEntry struct {
	CriteriaNumber int                   `json:"criteria_number"`
	MetricNumber   int                   `json:"metric_number"`
	OwnerName      string                `json:"owner_name"`
	OwnerEmail     string                `json:"owner_email"`
	School         string                `json:"school"`
	Status         models.CriteriaStatus `json:"status"`
	Files          models.FileList       `json:"files"`
}
