package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/accred-portal-api/internal/dto"
	"github.com/noah-isme/accred-portal-api/internal/service"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
	"github.com/noah-isme/accred-portal-api/pkg/response"
)

// CriteriaHandler wires the record lifecycle endpoints to the service.
type CriteriaHandler struct {
	service *service.CriteriaService
}

// NewCriteriaHandler creates a new handler.
func NewCriteriaHandler(svc *service.CriteriaService) *CriteriaHandler {
	return &CriteriaHandler{service: svc}
}

// Save upserts the caller's record for one criteria/metric key. The
// request is multipart: form fields plus zero or more evidence files
// under the "files" key.
func (h *CriteriaHandler) Save(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.SaveCriteriaRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid save payload"))
		return
	}

	uploads, closers, err := collectUploads(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	rec, err := h.service.Save(c.Request.Context(), claims, req, uploads)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, rec)
}

// Submit moves the caller's draft record to submitted.
func (h *CriteriaHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	rec, err := h.service.Submit(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, rec)
}

// Review applies an APPROVE or REJECT decision to a submitted record.
func (h *CriteriaHandler) Review(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.ReviewCriteriaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid review payload"))
		return
	}

	rec, err := h.service.Review(c.Request.Context(), claims, c.Param("id"), req.Decision)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, rec)
}

// Reopen returns a record to draft for further editing.
func (h *CriteriaHandler) Reopen(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	rec, err := h.service.Reopen(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, rec)
}

// GetByCriteria lists the caller's records for one criteria number.
func (h *CriteriaHandler) GetByCriteria(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	criteriaNumber, err := strconv.Atoi(c.Param("criteriaNumber"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "criteria number must be an integer"))
		return
	}

	records, err := h.service.GetOwnByCriteria(c.Request.Context(), claims, criteriaNumber)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSONWithCount(c, http.StatusOK, records, len(records))
}

// ListOwn lists all of the caller's records.
func (h *CriteriaHandler) ListOwn(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	records, err := h.service.ListOwn(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSONWithCount(c, http.StatusOK, records, len(records))
}

// collectUploads opens every "files" part of the multipart form. The
// returned closers must run after the service call so the streams stay
// readable while uploads are stored.
func collectUploads(c *gin.Context) ([]service.FileUpload, []func(), error) {
	form, err := c.MultipartForm()
	if err != nil {
		if err == http.ErrNotMultipart {
			return nil, nil, nil
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart form")
	}

	headers := form.File["files"]
	uploads := make([]service.FileUpload, 0, len(headers))
	closers := make([]func(), 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			for _, closeFn := range closers {
				closeFn()
			}
			return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable file part")
		}
		closers = append(closers, func() { _ = file.Close() })
		uploads = append(uploads, service.FileUpload{
			Filename: header.Filename,
			Size:     header.Size,
			Content:  file,
		})
	}
	return uploads, closers, nil
}
