package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/accred-portal-api/internal/models"
)

func testContext(t *testing.T, claims *models.JWTClaims) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if claims != nil {
		c.Set(ContextUserKey, claims)
	}
	return c, rec
}

func TestRequireRolesAllowsListedRole(t *testing.T) {
	c, rec := testContext(t, &models.JWTClaims{UserID: "u1", Role: models.RoleSchoolAdmin})

	RequireRoles(models.RoleAdmin, models.RoleSchoolAdmin)(c)

	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRolesRejectsOtherRole(t *testing.T) {
	c, rec := testContext(t, &models.JWTClaims{UserID: "u1", Role: models.RoleUser})

	RequireRoles(models.RoleAdmin)(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRolesRejectsMissingPrincipal(t *testing.T) {
	c, rec := testContext(t, nil)

	RequireRoles(models.RoleAdmin)(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSchoolScopeAdminBypass(t *testing.T) {
	c, rec := testContext(t, &models.JWTClaims{UserID: "a1", Role: models.RoleAdmin})
	c.Params = gin.Params{{Key: "school", Value: "Springfield High"}}

	RequireSchoolScope("school")(c)

	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireSchoolScopeMatchingSchool(t *testing.T) {
	c, rec := testContext(t, &models.JWTClaims{UserID: "sa1", Role: models.RoleSchoolAdmin, School: "Springfield High"})
	c.Params = gin.Params{{Key: "school", Value: "Springfield High"}}

	RequireSchoolScope("school")(c)

	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireSchoolScopeForeignSchool(t *testing.T) {
	c, rec := testContext(t, &models.JWTClaims{UserID: "sa1", Role: models.RoleSchoolAdmin, School: "Shelbyville High"})
	c.Params = gin.Params{{Key: "school", Value: "Springfield High"}}

	RequireSchoolScope("school")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
