package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
)

type stubAggregationStore struct {
	withFiles     []models.CriteriaRecordWithOwner
	bySchool      map[string][]models.CriteriaRecordWithOwner
	submitted     []models.CriteriaRecordWithOwner
	withFilesHits int
	bySchoolHits  int
}

func (s *stubAggregationStore) FindAllWithFiles(ctx context.Context) ([]models.CriteriaRecordWithOwner, error) {
	s.withFilesHits++
	return s.withFiles, nil
}

func (s *stubAggregationStore) FindBySchool(ctx context.Context, school string) ([]models.CriteriaRecordWithOwner, error) {
	s.bySchoolHits++
	return s.bySchool[school], nil
}

func (s *stubAggregationStore) FindSubmittedWithOwners(ctx context.Context) ([]models.CriteriaRecordWithOwner, error) {
	return s.submitted, nil
}

type stubViewCache struct {
	values map[string][]byte
}

func (s *stubViewCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := s.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *stubViewCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if s.values == nil {
		s.values = make(map[string][]byte)
	}
	s.values[key] = raw
	return nil
}

func ownedRecord(id, owner, ownerName, school string, criteria, metric int, status models.CriteriaStatus, files models.FileList) models.CriteriaRecordWithOwner {
	return models.CriteriaRecordWithOwner{
		CriteriaRecord: models.CriteriaRecord{
			ID:             id,
			OwnerUserID:    owner,
			School:         school,
			CriteriaNumber: criteria,
			MetricNumber:   metric,
			Status:         status,
			Files:          files,
		},
		OwnerName:  ownerName,
		OwnerEmail: ownerName + "@example.com",
	}
}

func TestAllFilesAdminOnly(t *testing.T) {
	svc := NewAggregationService(&stubAggregationStore{}, nil, zap.NewNop(), time.Minute)

	_, err := svc.AllFilesAcrossUsers(context.Background(), userClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.AllFilesAcrossUsers(context.Background(), schoolAdminClaims("Springfield High"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestAllFilesMapsOwnersAndCaches(t *testing.T) {
	files := models.FileList{{URL: "/files/a.pdf", OriginalName: "a.pdf", SizeBytes: 10}}
	store := &stubAggregationStore{withFiles: []models.CriteriaRecordWithOwner{
		ownedRecord("r1", "u1", "alice", "Springfield High", 1, 1, models.StatusSubmitted, files),
		ownedRecord("r2", "u2", "bob", "Shelbyville High", 1, 2, models.StatusDraft, files),
	}}
	cache := &stubViewCache{}
	svc := NewAggregationService(store, cache, zap.NewNop(), time.Minute)

	entries, err := svc.AllFilesAcrossUsers(context.Background(), adminClaims())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].OwnerName)
	assert.Equal(t, "alice@example.com", entries[0].OwnerEmail)
	assert.Equal(t, 1, store.withFilesHits)

	// Second call is served from the cache.
	entries, err = svc.AllFilesAcrossUsers(context.Background(), adminClaims())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, store.withFilesHits)
}

func TestUsersWithSubmittedDataGroupsByOwner(t *testing.T) {
	store := &stubAggregationStore{submitted: []models.CriteriaRecordWithOwner{
		ownedRecord("r1", "u1", "alice", "Springfield High", 1, 1, models.StatusSubmitted, nil),
		ownedRecord("r2", "u1", "alice", "Springfield High", 2, 1, models.StatusReviewed, nil),
		ownedRecord("r3", "u2", "bob", "Shelbyville High", 1, 1, models.StatusRejected, nil),
	}}
	svc := NewAggregationService(store, nil, zap.NewNop(), time.Minute)

	summaries, err := svc.UsersWithSubmittedData(context.Background(), adminClaims())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "u1", summaries[0].User.ID)
	assert.Equal(t, 2, summaries[0].Count)
	assert.Len(t, summaries[0].Records, 2)
	assert.Equal(t, "u2", summaries[1].User.ID)
	assert.Equal(t, 1, summaries[1].Count)
}

func TestSchoolDataScope(t *testing.T) {
	store := &stubAggregationStore{bySchool: map[string][]models.CriteriaRecordWithOwner{
		"Springfield High": {
			ownedRecord("r1", "u1", "alice", "Springfield High", 1, 1, models.StatusSubmitted, nil),
			ownedRecord("r2", "u1", "alice", "Springfield High", 1, 2, models.StatusDraft, nil),
			ownedRecord("r3", "u2", "carol", "Springfield High", 2, 1, models.StatusReviewed, nil),
		},
	}}
	svc := NewAggregationService(store, nil, zap.NewNop(), time.Minute)

	_, err := svc.SchoolData(context.Background(), schoolAdminClaims("Shelbyville High"), "Springfield High")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	groups, err := svc.SchoolData(context.Background(), schoolAdminClaims("Springfield High"), "Springfield High")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "u1", groups[0].Owner.ID)
	assert.Len(t, groups[0].Records, 2)
	assert.Equal(t, "u2", groups[1].Owner.ID)

	groups, err = svc.SchoolData(context.Background(), adminClaims(), "Springfield High")
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestSchoolDataCached(t *testing.T) {
	store := &stubAggregationStore{bySchool: map[string][]models.CriteriaRecordWithOwner{
		"Springfield High": {ownedRecord("r1", "u1", "alice", "Springfield High", 1, 1, models.StatusSubmitted, nil)},
	}}
	cache := &stubViewCache{}
	svc := NewAggregationService(store, cache, zap.NewNop(), time.Minute)

	_, err := svc.SchoolData(context.Background(), adminClaims(), "Springfield High")
	require.NoError(t, err)
	_, err = svc.SchoolData(context.Background(), adminClaims(), "Springfield High")
	require.NoError(t, err)
	assert.Equal(t, 1, store.bySchoolHits)
	assert.Contains(t, cache.values, "agg:school:Springfield High")
}
