package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/accred-portal-api/internal/service"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
	"github.com/noah-isme/accred-portal-api/pkg/response"
)

// AdminHandler serves the cross-record aggregation views.
type AdminHandler struct {
	service *service.AggregationService
}

// NewAdminHandler creates a new handler.
func NewAdminHandler(svc *service.AggregationService) *AdminHandler {
	return &AdminHandler{service: svc}
}

// AllFiles is the global file audit: every record carrying at least one
// attachment, joined with its owner, across all schools.
func (h *AdminHandler) AllFiles(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	entries, err := h.service.AllFilesAcrossUsers(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSONWithCount(c, http.StatusOK, entries, len(entries))
}

// UsersWithSubmissions lists users that have at least one record past
// draft, each with their submitted records.
func (h *AdminHandler) UsersWithSubmissions(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	summaries, err := h.service.UsersWithSubmittedData(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSONWithCount(c, http.StatusOK, summaries, len(summaries))
}

// SchoolData returns one school's records grouped by owner.
func (h *AdminHandler) SchoolData(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	groups, err := h.service.SchoolData(c.Request.Context(), claims, c.Param("school"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSONWithCount(c, http.StatusOK, groups, len(groups))
}
