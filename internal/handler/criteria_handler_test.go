package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/middleware"
	"github.com/noah-isme/accred-portal-api/internal/models"
	"github.com/noah-isme/accred-portal-api/internal/service"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
	"github.com/noah-isme/accred-portal-api/pkg/response"
)

type fakeCriteriaStore struct {
	saved   *models.CriteriaRecord
	records map[string]*models.CriteriaRecord
}

func (f *fakeCriteriaStore) Upsert(ctx context.Context, rec *models.CriteriaRecord, enforceLock bool) (*models.CriteriaRecord, error) {
	saved := *rec
	if saved.ID == "" {
		saved.ID = "r1"
	}
	saved.Status = models.StatusDraft
	f.saved = &saved
	return &saved, nil
}

func (f *fakeCriteriaStore) FindByID(ctx context.Context, id string) (*models.CriteriaRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeCriteriaStore) FindByOwnerAndKey(ctx context.Context, ownerUserID string, criteriaNumber, metricNumber int) (*models.CriteriaRecord, error) {
	return nil, appErrors.ErrNotFound
}

func (f *fakeCriteriaStore) FindByOwner(ctx context.Context, ownerUserID string) ([]models.CriteriaRecord, error) {
	return nil, nil
}

func (f *fakeCriteriaStore) FindByOwnerAndCriteria(ctx context.Context, ownerUserID string, criteriaNumber int) ([]models.CriteriaRecord, error) {
	var out []models.CriteriaRecord
	for _, rec := range f.records {
		if rec.OwnerUserID == ownerUserID && rec.CriteriaNumber == criteriaNumber {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeCriteriaStore) UpdateStatus(ctx context.Context, id string, fromStatus, toStatus models.CriteriaStatus) error {
	if rec, ok := f.records[id]; ok && rec.Status == fromStatus {
		rec.Status = toStatus
		return nil
	}
	return appErrors.ErrNotFound
}

func (f *fakeCriteriaStore) ForceStatus(ctx context.Context, id string, toStatus models.CriteriaStatus) error {
	if rec, ok := f.records[id]; ok {
		rec.Status = toStatus
		return nil
	}
	return appErrors.ErrNotFound
}

type fakeEvidenceStorage struct {
	saved []string
}

func (f *fakeEvidenceStorage) SaveStream(filename string, r io.Reader) (int64, error) {
	n, _ := io.Copy(io.Discard, r)
	f.saved = append(f.saved, filename)
	return n, nil
}

func (f *fakeEvidenceStorage) Delete(filename string) error { return nil }

func (f *fakeEvidenceStorage) URL(filename string) string { return "/files/" + filename }

func newCriteriaRouter(store *fakeCriteriaStore, storage *fakeEvidenceStorage, claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := service.NewCriteriaService(store, storage, nil, nil, nil, nil, zap.NewNop(), service.CriteriaServiceConfig{})
	h := NewCriteriaHandler(svc)

	r := gin.New()
	attach := func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
	}
	r.POST("/criteria/save", attach, h.Save)
	r.PUT("/criteria/submit/:id", attach, h.Submit)
	r.GET("/criteria/:criteriaNumber", attach, h.GetByCriteria)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestCriteriaSaveUnauthenticated(t *testing.T) {
	r := newCriteriaRouter(&fakeCriteriaStore{}, &fakeEvidenceStorage{}, nil)

	body, contentType := multipartBody(t, map[string]string{"criteria_number": "1", "metric_number": "1"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/criteria/save", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCriteriaSaveMultipart(t *testing.T) {
	store := &fakeCriteriaStore{}
	storage := &fakeEvidenceStorage{}
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleUser, School: "Springfield High"}
	r := newCriteriaRouter(store, storage, claims)

	body, contentType := multipartBody(t,
		map[string]string{
			"criteria_number": "3",
			"metric_number":   "12",
			"payload":         `{"narrative":"evidence text"}`,
		},
		map[string]string{"evidence.pdf": "pdf-bytes"},
	)
	req := httptest.NewRequest(http.MethodPost, "/criteria/save", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)

	require.NotNil(t, store.saved)
	assert.Equal(t, "u1", store.saved.OwnerUserID)
	assert.Equal(t, 3, store.saved.CriteriaNumber)
	assert.Equal(t, 12, store.saved.MetricNumber)
	require.Len(t, store.saved.Files, 1)
	assert.Equal(t, "evidence.pdf", store.saved.Files[0].OriginalName)
	assert.Len(t, storage.saved, 1)
}

func TestCriteriaSaveRejectsMissingKey(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleUser}
	r := newCriteriaRouter(&fakeCriteriaStore{}, &fakeEvidenceStorage{}, claims)

	body, contentType := multipartBody(t, map[string]string{"payload": `{}`}, nil)
	req := httptest.NewRequest(http.MethodPost, "/criteria/save", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCriteriaSubmitFlow(t *testing.T) {
	store := &fakeCriteriaStore{records: map[string]*models.CriteriaRecord{
		"r1": {ID: "r1", OwnerUserID: "u1", School: "Springfield High", Status: models.StatusDraft},
	}}
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleUser, School: "Springfield High"}
	r := newCriteriaRouter(store, &fakeEvidenceStorage{}, claims)

	req := httptest.NewRequest(http.MethodPut, "/criteria/submit/r1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusSubmitted, store.records["r1"].Status)
}

func TestCriteriaGetByCriteriaRejectsNonNumeric(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleUser}
	r := newCriteriaRouter(&fakeCriteriaStore{}, &fakeEvidenceStorage{}, claims)

	req := httptest.NewRequest(http.MethodGet, "/criteria/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
