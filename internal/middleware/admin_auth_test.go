package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-backend/internal/dto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func authedRouter(auth *AdminAuth) *gin.Engine {
	router := gin.New()
	router.GET("/admin/ping", auth.Require(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("admin_username")})
	})
	return router
}

func mintHMAC(t *testing.T, secret, role string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := dto.AdminClaims{
		Username: "admin",
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			Issuer:    "bridge-backend-admin",
			Subject:   "admin",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func mintUnsigned(t *testing.T) string {
	t.Helper()
	claims := dto.AdminClaims{
		Username: "admin",
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return signed
}

func TestRequireRejections(t *testing.T) {
	auth := NewAdminAuth("top-secret", discardLogger())
	router := authedRouter(auth)

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing header", "", http.StatusUnauthorized, "MISSING_AUTH_HEADER"},
		{"basic auth", "Basic YWRtaW46aHVudGVyMg==", http.StatusUnauthorized, "INVALID_AUTH_FORMAT"},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized, "INVALID_TOKEN"},
		{"wrong secret", "Bearer " + mintHMAC(t, "other-secret", "admin", time.Hour), http.StatusUnauthorized, "INVALID_TOKEN"},
		{"expired", "Bearer " + mintHMAC(t, "top-secret", "admin", -time.Hour), http.StatusUnauthorized, "INVALID_TOKEN"},
		{"alg none", "Bearer " + mintUnsigned(t), http.StatusUnauthorized, "INVALID_TOKEN"},
		{"wrong role", "Bearer " + mintHMAC(t, "top-secret", "viewer", time.Hour), http.StatusForbidden, "INSUFFICIENT_PERMISSIONS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.code)
		})
	}
}

func TestRequireAcceptsValidToken(t *testing.T) {
	auth := NewAdminAuth("top-secret", discardLogger())
	router := authedRouter(auth)

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+mintHMAC(t, "top-secret", "admin", time.Hour))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":"admin"`)
}
