package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/dto"
	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
)

type criteriaStore interface {
	Upsert(ctx context.Context, rec *models.CriteriaRecord, enforceLock bool) (*models.CriteriaRecord, error)
	FindByID(ctx context.Context, id string) (*models.CriteriaRecord, error)
	FindByOwnerAndKey(ctx context.Context, ownerUserID string, criteriaNumber, metricNumber int) (*models.CriteriaRecord, error)
	FindByOwner(ctx context.Context, ownerUserID string) ([]models.CriteriaRecord, error)
	FindByOwnerAndCriteria(ctx context.Context, ownerUserID string, criteriaNumber int) ([]models.CriteriaRecord, error)
	UpdateStatus(ctx context.Context, id string, fromStatus, toStatus models.CriteriaStatus) error
	ForceStatus(ctx context.Context, id string, toStatus models.CriteriaStatus) error
}

type evidenceStorage interface {
	SaveStream(filename string, r io.Reader) (int64, error)
	Delete(filename string) error
	URL(filename string) string
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type viewInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

type lifecycleMetrics interface {
	ObserveSaveLocked()
	ObserveReviewDecision(decision string)
}

// FileUpload carries one evidence file stream alongside its metadata.
type FileUpload struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// CriteriaServiceConfig holds upload validation parameters.
type CriteriaServiceConfig struct {
	MaxFileSize     int64
	MaxFilesPerSave int
}

// CriteriaService drives the criteria record lifecycle: content
// upserts, submission, review and reopen. All role and ownership rules
// for single-record mutations are enforced here, before storage IO.
type CriteriaService struct {
	repo      criteriaStore
	storage   evidenceStorage
	audit     auditLogger
	cache     viewInvalidator
	metrics   lifecycleMetrics
	validator *validator.Validate
	logger    *zap.Logger
	cfg       CriteriaServiceConfig
}

// NewCriteriaService constructs the service with defaults.
func NewCriteriaService(repo criteriaStore, storage evidenceStorage, audit auditLogger, cache viewInvalidator, metrics lifecycleMetrics, validate *validator.Validate, logger *zap.Logger, cfg CriteriaServiceConfig) *CriteriaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 20 * 1024 * 1024
	}
	if cfg.MaxFilesPerSave <= 0 {
		cfg.MaxFilesPerSave = 10
	}
	return &CriteriaService{
		repo:      repo,
		storage:   storage,
		audit:     audit,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Save upserts the actor's record for the given criteria/metric key.
// Uploads are committed to the blob store before the record is touched;
// a failed upload leaves the record exactly as it was. Non-admin saves
// against a submitted or reviewed record fail with RECORD_LOCKED.
func (s *CriteriaService) Save(ctx context.Context, actor *models.JWTClaims, req dto.SaveCriteriaRequest, uploads []FileUpload) (*models.CriteriaRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid criteria payload")
	}
	if len(uploads) > s.cfg.MaxFilesPerSave {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d files per save", s.cfg.MaxFilesPerSave))
	}

	payload := models.Payload{}
	if strings.TrimSpace(req.Payload) != "" {
		if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "payload must be a JSON object")
		}
	}

	attachments, stored, err := s.storeUploads(actor.UserID, req.CriteriaNumber, req.MetricNumber, uploads)
	if err != nil {
		return nil, err
	}

	enforceLock := actor.Role != models.RoleAdmin
	rec := &models.CriteriaRecord{
		OwnerUserID:    actor.UserID,
		School:         actor.School,
		CriteriaNumber: req.CriteriaNumber,
		MetricNumber:   req.MetricNumber,
		Payload:        payload,
		Files:          attachments,
	}

	saved, err := s.repo.Upsert(ctx, rec, enforceLock)
	if err != nil {
		// The record was not mutated; stored blobs must not dangle.
		s.discardUploads(stored)
		if appErrors.FromError(err).Code == appErrors.ErrRecordLocked.Code && s.metrics != nil {
			s.metrics.ObserveSaveLocked()
		}
		return nil, err
	}

	s.recordAudit(ctx, actor, models.AuditActionCriteriaSave, saved.ID, map[string]interface{}{
		"criteria_number": saved.CriteriaNumber,
		"metric_number":   saved.MetricNumber,
		"files_appended":  len(attachments),
	})
	s.invalidateViews(ctx)
	return saved, nil
}

// Submit transitions the owner's draft record to submitted.
func (s *CriteriaService) Submit(ctx context.Context, actor *models.JWTClaims, recordID string) (*models.CriteriaRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	rec, err := s.repo.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerUserID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the owner may submit a record")
	}
	if rec.Status != models.StatusDraft {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot submit a %s record", strings.ToLower(string(rec.Status))))
	}

	if err := s.repo.UpdateStatus(ctx, rec.ID, models.StatusDraft, models.StatusSubmitted); err != nil {
		return nil, err
	}
	rec.Status = models.StatusSubmitted
	rec.UpdatedAt = time.Now().UTC()

	s.recordAudit(ctx, actor, models.AuditActionCriteriaSubmit, rec.ID, map[string]interface{}{"status": rec.Status})
	s.invalidateViews(ctx)
	return rec, nil
}

// Review applies a reviewer decision to a submitted record. ADMIN may
// review any school; SCHOOL_ADMIN only records of their own school.
func (s *CriteriaService) Review(ctx context.Context, actor *models.JWTClaims, recordID string, decision models.ReviewDecision) (*models.CriteriaRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, appErrors.Clone(appErrors.ErrValidation, "decision must be APPROVE or REJECT")
	}

	rec, err := s.repo.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.requireReviewer(actor, rec); err != nil {
		return nil, err
	}
	if rec.Status != models.StatusSubmitted {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted records can be reviewed")
	}

	target := models.StatusReviewed
	if decision == models.DecisionReject {
		target = models.StatusRejected
	}
	if err := s.repo.UpdateStatus(ctx, rec.ID, models.StatusSubmitted, target); err != nil {
		return nil, err
	}
	rec.Status = target
	rec.UpdatedAt = time.Now().UTC()

	if s.metrics != nil {
		s.metrics.ObserveReviewDecision(string(decision))
	}
	s.recordAudit(ctx, actor, models.AuditActionCriteriaReview, rec.ID, map[string]interface{}{"decision": decision, "status": target})
	s.invalidateViews(ctx)
	return rec, nil
}

// Reopen returns a record to draft. ADMIN may reopen from any status;
// a SCHOOL_ADMIN of the record's school only from rejected.
func (s *CriteriaService) Reopen(ctx context.Context, actor *models.JWTClaims, recordID string) (*models.CriteriaRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	rec, err := s.repo.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	switch {
	case actor.Role == models.RoleAdmin:
		if err := s.repo.ForceStatus(ctx, rec.ID, models.StatusDraft); err != nil {
			return nil, err
		}
	case actor.Role == models.RoleSchoolAdmin && actor.School == rec.School:
		if rec.Status != models.StatusRejected {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only rejected records can be reopened by a school admin")
		}
		if err := s.repo.UpdateStatus(ctx, rec.ID, models.StatusRejected, models.StatusDraft); err != nil {
			return nil, err
		}
	default:
		return nil, appErrors.ErrForbidden
	}

	rec.Status = models.StatusDraft
	rec.UpdatedAt = time.Now().UTC()

	s.recordAudit(ctx, actor, models.AuditActionCriteriaReopen, rec.ID, map[string]interface{}{"status": rec.Status})
	s.invalidateViews(ctx)
	return rec, nil
}

// GetOwnByCriteria returns the actor's records for one criteria number.
func (s *CriteriaService) GetOwnByCriteria(ctx context.Context, actor *models.JWTClaims, criteriaNumber int) ([]models.CriteriaRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if criteriaNumber < 1 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "criteria number must be positive")
	}
	return s.repo.FindByOwnerAndCriteria(ctx, actor.UserID, criteriaNumber)
}

// ListOwn returns all of the actor's records ordered by criteria number.
func (s *CriteriaService) ListOwn(ctx context.Context, actor *models.JWTClaims) ([]models.CriteriaRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	return s.repo.FindByOwner(ctx, actor.UserID)
}

func (s *CriteriaService) requireReviewer(actor *models.JWTClaims, rec *models.CriteriaRecord) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}
	if actor.Role == models.RoleSchoolAdmin && actor.School == rec.School {
		return nil
	}
	return appErrors.ErrForbidden
}

// storeUploads streams every upload into the blob store. The returned
// attachments reference only fully written files; on any failure the
// files stored so far are removed and no attachment survives.
func (s *CriteriaService) storeUploads(ownerID string, criteriaNumber, metricNumber int, uploads []FileUpload) (models.FileList, []string, error) {
	if len(uploads) == 0 {
		return models.FileList{}, nil, nil
	}
	if s.storage == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrStorageUnavailable, "evidence storage not configured")
	}

	attachments := make(models.FileList, 0, len(uploads))
	stored := make([]string, 0, len(uploads))
	for _, upload := range uploads {
		if upload.Size > s.cfg.MaxFileSize {
			s.discardUploads(stored)
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file %s exceeds %d bytes limit", upload.Filename, s.cfg.MaxFileSize))
		}
		key := fmt.Sprintf("%s/c%d-m%d/%s-%s", ownerID, criteriaNumber, metricNumber, uuid.NewString(), sanitizeFilename(upload.Filename))
		written, err := s.storage.SaveStream(key, upload.Content)
		if err != nil {
			s.discardUploads(stored)
			return nil, nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to store evidence file")
		}
		stored = append(stored, key)
		attachments = append(attachments, models.FileAttachment{
			URL:          s.storage.URL(key),
			OriginalName: upload.Filename,
			SizeBytes:    written,
			UploadedAt:   time.Now().UTC(),
		})
	}
	return attachments, stored, nil
}

func (s *CriteriaService) discardUploads(keys []string) {
	for _, key := range keys {
		if err := s.storage.Delete(key); err != nil {
			s.logger.Warn("failed to remove orphaned upload", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *CriteriaService) recordAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	body, _ := json.Marshal(details)
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "criteria",
		ResourceID: &resourceID,
		NewValues:  body,
	}); err != nil {
		s.logger.Warn("failed to record criteria audit log", zap.Error(err))
	}
}

func (s *CriteriaService) invalidateViews(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "agg:*"); err != nil {
		s.logger.Warn("failed to invalidate aggregation cache", zap.Error(err))
	}
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
