package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/dto"
	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
)

type aggregationStore interface {
	FindAllWithFiles(ctx context.Context) ([]models.CriteriaRecordWithOwner, error)
	FindBySchool(ctx context.Context, school string) ([]models.CriteriaRecordWithOwner, error)
	FindSubmittedWithOwners(ctx context.Context) ([]models.CriteriaRecordWithOwner, error)
}

type viewCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const (
	cacheKeyAllFiles   = "agg:files"
	cacheKeySchoolData = "agg:school:"
)

// AggregationService builds the read-only cross-record views. It never
// mutates state, and every restricted view checks the principal before
// any storage access.
type AggregationService struct {
	repo     aggregationStore
	cache    viewCache
	logger   *zap.Logger
	cacheTTL time.Duration
}

// NewAggregationService constructs the service.
func NewAggregationService(repo aggregationStore, cache viewCache, logger *zap.Logger, cacheTTL time.Duration) *AggregationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &AggregationService{repo: repo, cache: cache, logger: logger, cacheTTL: cacheTTL}
}

// AllFilesAcrossUsers is the global admin file audit: every record with
// at least one attachment, joined to its owner, ordered by criteria
// number ascending then owner name ascending.
func (s *AggregationService) AllFilesAcrossUsers(ctx context.Context, actor *models.JWTClaims) ([]dto.AllFilesEntry, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}

	var cached []dto.AllFilesEntry
	if s.cacheGet(ctx, cacheKeyAllFiles, &cached) {
		return cached, nil
	}

	records, err := s.repo.FindAllWithFiles(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file audit")
	}

	entries := make([]dto.AllFilesEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, dto.AllFilesEntry{
			CriteriaNumber: rec.CriteriaNumber,
			MetricNumber:   rec.MetricNumber,
			OwnerName:      rec.OwnerName,
			OwnerEmail:     rec.OwnerEmail,
			School:         rec.School,
			Status:         rec.Status,
			Files:          rec.Files,
		})
	}

	s.cacheSet(ctx, cacheKeyAllFiles, entries)
	return entries, nil
}

// UsersWithSubmittedData returns, per user, the count and list of
// records that have progressed past draft. Admin only.
func (s *AggregationService) UsersWithSubmittedData(ctx context.Context, actor *models.JWTClaims) ([]models.UserSubmissionSummary, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}

	records, err := s.repo.FindSubmittedWithOwners(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submissions")
	}

	summaries := make([]models.UserSubmissionSummary, 0)
	for _, rec := range records {
		// Rows arrive ordered by owner, so groups are contiguous.
		if n := len(summaries); n == 0 || summaries[n-1].User.ID != rec.OwnerUserID {
			summaries = append(summaries, models.UserSubmissionSummary{
				User: models.UserInfo{
					ID:       rec.OwnerUserID,
					Email:    rec.OwnerEmail,
					FullName: rec.OwnerName,
					School:   rec.School,
				},
			})
		}
		last := &summaries[len(summaries)-1]
		last.Records = append(last.Records, rec.CriteriaRecord)
		last.Count++
	}
	return summaries, nil
}

// SchoolData returns all records for one school grouped by owner.
// Restricted to ADMIN, or a SCHOOL_ADMIN of that same school.
func (s *AggregationService) SchoolData(ctx context.Context, actor *models.JWTClaims, school string) ([]models.SchoolDataGroup, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleSchoolAdmin && actor.School == school) {
		return nil, appErrors.ErrForbidden
	}
	if school == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "school is required")
	}

	cacheKey := cacheKeySchoolData + school
	var cached []models.SchoolDataGroup
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	records, err := s.repo.FindBySchool(ctx, school)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load school data")
	}

	groups := make([]models.SchoolDataGroup, 0)
	for _, rec := range records {
		if n := len(groups); n == 0 || groups[n-1].Owner.ID != rec.OwnerUserID {
			groups = append(groups, models.SchoolDataGroup{
				Owner: models.UserInfo{
					ID:       rec.OwnerUserID,
					Email:    rec.OwnerEmail,
					FullName: rec.OwnerName,
					School:   rec.School,
				},
			})
		}
		last := &groups[len(groups)-1]
		last.Records = append(last.Records, rec.CriteriaRecord)
	}

	s.cacheSet(ctx, cacheKey, groups)
	return groups, nil
}

func (s *AggregationService) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	err := s.cache.Get(ctx, key, dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Warn("aggregation cache read failed", zap.String("key", key), zap.Error(err))
	}
	return false
}

func (s *AggregationService) cacheSet(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.cacheTTL); err != nil {
		s.logger.Warn("aggregation cache write failed", zap.String("key", key), zap.Error(err))
	}
}
