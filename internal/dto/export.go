package dto

import "github.com/noah-isme/accred-portal-api/internal/models"

// ExportRequest captures POST /exports/school/:school payload.
type ExportRequest struct {
	Format models.ExportFormat `json:"format" validate:"required,oneof=CSV PDF"`
}

// ExportJobResponse is returned after enqueueing an export.
type ExportJobResponse struct {
	ID     string              `json:"id"`
	School string              `json:"school"`
	Status models.ExportStatus `json:"status"`
}

// ExportStatusResponse exposes job state plus the signed download URL
// once the report has been rendered.
type ExportStatusResponse struct {
	ID          string              `json:"id"`
	School      string              `json:"school"`
	Status      models.ExportStatus `json:"status"`
	DownloadURL *string             `json:"download_url,omitempty"`
	Error       *string             `json:"error,omitempty"`
}
