package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/dto"
	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
	"github.com/noah-isme/accred-portal-api/pkg/storage"
)

type stubSchoolRecords struct {
	records []models.CriteriaRecordWithOwner
}

func (s *stubSchoolRecords) FindBySchool(ctx context.Context, school string) ([]models.CriteriaRecordWithOwner, error) {
	return s.records, nil
}

func newExportService(t *testing.T, records []models.CriteriaRecordWithOwner) *ExportService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	return NewExportService(&stubSchoolRecords{records: records}, store, signer, &stubAudit{}, zap.NewNop(), 1, 1)
}

func TestExportRequestScope(t *testing.T) {
	svc := newExportService(t, nil)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	_, err := svc.Request(ctx, userClaims(), "Springfield High", dto.ExportRequest{Format: models.ExportFormatCSV})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.Request(ctx, schoolAdminClaims("Shelbyville High"), "Springfield High", dto.ExportRequest{Format: models.ExportFormatCSV})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestExportRequestRejectsUnknownFormat(t *testing.T) {
	svc := newExportService(t, nil)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	_, err := svc.Request(ctx, adminClaims(), "Springfield High", dto.ExportRequest{Format: "XLSX"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportCSVEndToEnd(t *testing.T) {
	records := []models.CriteriaRecordWithOwner{
		{
			CriteriaRecord: models.CriteriaRecord{
				ID: "r1", OwnerUserID: "u1", School: "Springfield High",
				CriteriaNumber: 1, MetricNumber: 2, Status: models.StatusSubmitted,
				UpdatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
			},
			OwnerName:  "Alice",
			OwnerEmail: "alice@example.com",
		},
	}
	svc := newExportService(t, records)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	job, err := svc.Request(ctx, schoolAdminClaims("Springfield High"), "Springfield High", dto.ExportRequest{Format: models.ExportFormatCSV})
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, job.Status)

	require.Eventually(t, func() bool {
		status, err := svc.Status(ctx, adminClaims(), job.ID)
		return err == nil && status.Status == models.ExportStatusFinished
	}, 5*time.Second, 10*time.Millisecond)

	status, err := svc.Status(ctx, schoolAdminClaims("Springfield High"), job.ID)
	require.NoError(t, err)
	require.NotNil(t, status.DownloadURL)
	token := strings.TrimPrefix(*status.DownloadURL, "/exports/download/")

	download, err := svc.ResolveDownload(ctx, token)
	require.NoError(t, err)
	defer download.File.Close()

	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Owner,Email,Criteria,Metric,Status,Files,Updated")
	assert.Contains(t, string(body), "Alice,alice@example.com,1,2,SUBMITTED,0,")
}

func TestExportStatusScope(t *testing.T) {
	svc := newExportService(t, nil)
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	job, err := svc.Request(ctx, adminClaims(), "Springfield High", dto.ExportRequest{Format: models.ExportFormatCSV})
	require.NoError(t, err)

	_, err = svc.Status(ctx, userClaims(), job.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.Status(ctx, schoolAdminClaims("Springfield High"), job.ID)
	require.NoError(t, err)
}

func TestResolveDownloadRejectsBadToken(t *testing.T) {
	svc := newExportService(t, nil)

	_, err := svc.ResolveDownload(context.Background(), "not-a-valid-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
