package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/dto"
	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
	"github.com/noah-isme/accred-portal-api/pkg/export"
	"github.com/noah-isme/accred-portal-api/pkg/jobs"
)

type schoolRecordLister interface {
	FindBySchool(ctx context.Context, school string) ([]models.CriteriaRecordWithOwner, error)
}

type exportFileStorage interface {
	SaveStream(filename string, r io.Reader) (int64, error)
	Open(filename string) (*os.File, error)
}

type exportURLSigner interface {
	Generate(exportID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (exportID, relPath string, expiresAt time.Time, err error)
}

// ExportDownload bundles a rendered report stream for the handler.
type ExportDownload struct {
	File      *os.File
	Filename  string
	Format    models.ExportFormat
	ExpiresAt time.Time
}

// ExportService renders school accreditation reports asynchronously:
// requests are queued, rendered to CSV or PDF, stored, and fetched
// later through signed download URLs.
type ExportService struct {
	records schoolRecordLister
	storage exportFileStorage
	signer  exportURLSigner
	csv     *export.CSVExporter
	pdf     *export.PDFExporter
	audit   auditLogger
	logger  *zap.Logger

	queue      *jobs.Queue
	maxRetries int

	mu   sync.RWMutex
	jobs map[string]*models.ExportJob
}

// NewExportService constructs the service; Start must be called before
// requests are accepted.
func NewExportService(records schoolRecordLister, storage exportFileStorage, signer exportURLSigner, audit auditLogger, logger *zap.Logger, workers, retries int) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ExportService{
		records: records,
		storage: storage,
		signer:  signer,
		csv:     export.NewCSVExporter(),
		pdf:     export.NewPDFExporter(),
		audit:   audit,
		logger:  logger,
		jobs:    make(map[string]*models.ExportJob),
	}
	if retries <= 0 {
		retries = 3
	}
	s.maxRetries = retries
	s.queue = jobs.NewQueue("school-exports", s.process, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: retries,
		Logger:     logger,
	})
	return s
}

// Start launches the export workers.
func (s *ExportService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the export workers.
func (s *ExportService) Stop() {
	s.queue.Stop()
}

// Request enqueues a new export for a school. ADMIN may export any
// school; SCHOOL_ADMIN only their own.
func (s *ExportService) Request(ctx context.Context, actor *models.JWTClaims, school string, req dto.ExportRequest) (*dto.ExportJobResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleSchoolAdmin && actor.School == school) {
		return nil, appErrors.ErrForbidden
	}
	if school == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "school is required")
	}
	if req.Format != models.ExportFormatCSV && req.Format != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be CSV or PDF")
	}

	job := &models.ExportJob{
		ID:          uuid.NewString(),
		School:      school,
		Format:      req.Format,
		Status:      models.ExportStatusQueued,
		RequestedBy: actor.UserID,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "school-export"}); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export")
	}

	if s.audit != nil {
		body, _ := json.Marshal(map[string]interface{}{"school": school, "format": req.Format})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actor.UserID,
			Action:     models.AuditActionExportRequest,
			Resource:   "exports",
			ResourceID: &job.ID,
			NewValues:  body,
		}); err != nil {
			s.logger.Warn("failed to record export audit log", zap.Error(err))
		}
	}

	return &dto.ExportJobResponse{ID: job.ID, School: job.School, Status: job.Status}, nil
}

// Status reports job progress; once finished it includes a signed
// download URL. Requester, ADMIN, or a school admin of the exported
// school may poll.
func (s *ExportService) Status(ctx context.Context, actor *models.JWTClaims, jobID string) (*dto.ExportStatusResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	if actor.Role != models.RoleAdmin && actor.UserID != job.RequestedBy &&
		!(actor.Role == models.RoleSchoolAdmin && actor.School == job.School) {
		return nil, appErrors.ErrForbidden
	}

	resp := &dto.ExportStatusResponse{ID: job.ID, School: job.School, Status: job.Status}
	if job.Error != "" {
		errMsg := job.Error
		resp.Error = &errMsg
	}
	if job.Status == models.ExportStatusFinished && job.FilePath != "" {
		token, _, err := s.signer.Generate(job.ID, job.FilePath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
		}
		url := "/exports/download/" + token
		resp.DownloadURL = &url
	}
	return resp, nil
}

// ResolveDownload validates a signed token and opens the rendered file.
func (s *ExportService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	exportID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired download token")
	}

	s.mu.RLock()
	job, ok := s.jobs[exportID]
	s.mu.RUnlock()
	if !ok || job.FilePath != relPath {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export no longer available")
	}

	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "export file missing")
	}

	return &ExportDownload{
		File:      file,
		Filename:  exportFilename(job),
		Format:    job.Format,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *ExportService) process(ctx context.Context, job jobs.Job) error {
	s.mu.Lock()
	state, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	state.Status = models.ExportStatusRunning
	s.mu.Unlock()

	err := s.render(ctx, state)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if err != nil {
		// The queue drops the job once attempts are exhausted, so the
		// last attempt has to record the failure here.
		if job.Attempt >= s.maxRetries {
			state.Status = models.ExportStatusFailed
			state.Error = err.Error()
			state.FinishedAt = &now
		} else {
			state.Status = models.ExportStatusQueued
		}
		return err
	}
	state.Status = models.ExportStatusFinished
	state.FinishedAt = &now
	return nil
}

func (s *ExportService) render(ctx context.Context, job *models.ExportJob) error {
	records, err := s.records.FindBySchool(ctx, job.School)
	if err != nil {
		return fmt.Errorf("load school records: %w", err)
	}

	dataset := buildSchoolDataset(records)

	var rendered []byte
	switch job.Format {
	case models.ExportFormatPDF:
		rendered, err = s.pdf.Render(dataset, fmt.Sprintf("Accreditation report - %s", job.School))
	default:
		rendered, err = s.csv.Render(dataset)
	}
	if err != nil {
		return fmt.Errorf("render export: %w", err)
	}

	relPath := fmt.Sprintf("%s/%s", sanitizeSchoolDir(job.School), exportFilename(job))
	if _, err := s.storage.SaveStream(relPath, bytes.NewReader(rendered)); err != nil {
		return fmt.Errorf("store export: %w", err)
	}

	job.FilePath = relPath
	return nil
}

// buildSchoolDataset flattens school records into export rows ordered
// by owner then criteria number, one row per record.
func buildSchoolDataset(records []models.CriteriaRecordWithOwner) export.Dataset {
	headers := []string{"Owner", "Email", "Criteria", "Metric", "Status", "Files", "Updated"}
	rows := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, map[string]string{
			"Owner":    rec.OwnerName,
			"Email":    rec.OwnerEmail,
			"Criteria": strconv.Itoa(rec.CriteriaNumber),
			"Metric":   strconv.Itoa(rec.MetricNumber),
			"Status":   string(rec.Status),
			"Files":    strconv.Itoa(len(rec.Files)),
			"Updated":  rec.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i]["Owner"] != rows[j]["Owner"] {
			return rows[i]["Owner"] < rows[j]["Owner"]
		}
		return rows[i]["Criteria"] < rows[j]["Criteria"]
	})
	return export.Dataset{Headers: headers, Rows: rows}
}

func exportFilename(job *models.ExportJob) string {
	ext := "csv"
	if job.Format == models.ExportFormatPDF {
		ext = "pdf"
	}
	return fmt.Sprintf("%s.%s", job.ID, ext)
}

func sanitizeSchoolDir(school string) string {
	lower := strings.ToLower(school)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "school"
	}
	return b.String()
}
