package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/accred-portal-api/internal/models"
	"github.com/noah-isme/accred-portal-api/internal/service"
)

const testSecret = "test-secret"

func newAuthService() *service.AuthService {
	return service.NewAuthService(nil, nil, zap.NewNop(), service.AuthConfig{
		AccessTokenSecret: testSecret,
		AccessTokenExpiry: time.Hour,
	})
}

func signToken(t *testing.T, claims *models.JWTClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func jwtTestContext(t *testing.T, authorization string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		c.Request.Header.Set("Authorization", authorization)
	}
	return c, rec
}

func TestJWTAcceptsValidToken(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleUser,
		School: "Springfield High",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	c, rec := jwtTestContext(t, "Bearer "+signToken(t, claims, testSecret))

	JWT(newAuthService())(c)

	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, rec.Code)

	value, ok := c.Get(ContextUserKey)
	require.True(t, ok)
	stored := value.(*models.JWTClaims)
	assert.Equal(t, "u1", stored.UserID)
	assert.Equal(t, "Springfield High", stored.School)
}

func TestJWTRejectsMissingHeader(t *testing.T) {
	c, rec := jwtTestContext(t, "")

	JWT(newAuthService())(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	c, rec := jwtTestContext(t, "Bearer "+signToken(t, claims, "other-secret"))

	JWT(newAuthService())(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	c, rec := jwtTestContext(t, "Bearer "+signToken(t, claims, testSecret))

	JWT(newAuthService())(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTRejectsMalformedClaims(t *testing.T) {
	// Valid signature but no user identity.
	claims := &models.JWTClaims{
		Role: models.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	c, rec := jwtTestContext(t, "Bearer "+signToken(t, claims, testSecret))

	JWT(newAuthService())(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
