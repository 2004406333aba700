package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func restrictedRouter(allowed []string) *gin.Engine {
	router := gin.New()
	router.GET("/guarded", NewLocalhostOnly(discardLogger(), allowed).Restrict(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func hitFrom(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRestrictAllowsLoopback(t *testing.T) {
	router := restrictedRouter(nil)
	for _, remote := range []string{"127.0.0.1:53210", "[::1]:53210"} {
		rec := hitFrom(router, remote)
		assert.Equal(t, http.StatusOK, rec.Code, remote)
	}
}

func TestRestrictRejectsOutsideAddress(t *testing.T) {
	router := restrictedRouter(nil)

	// httptest requests default to 192.0.2.1, a TEST-NET address.
	rec := hitFrom(router, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "IP_NOT_ALLOWED")
}

func TestRestrictHonorsWhitelist(t *testing.T) {
	router := restrictedRouter([]string{"203.0.113.7", "10.0.0.0/8", "", "not-a-cidr/99"})

	cases := []struct {
		remote string
		status int
	}{
		{"203.0.113.7:999", http.StatusOK},
		{"10.42.0.9:999", http.StatusOK},
		{"203.0.113.8:999", http.StatusForbidden},
		{"11.0.0.1:999", http.StatusForbidden},
	}
	for _, tc := range cases {
		rec := hitFrom(router, tc.remote)
		assert.Equal(t, tc.status, rec.Code, tc.remote)
	}

	// IPv4-mapped whitelist entries match by value, not by string.
	mapped := restrictedRouter([]string{"::ffff:203.0.113.7"})
	rec := hitFrom(mapped, "203.0.113.7:999")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRestrictLoopbackSocketBeatsForwardedHeader(t *testing.T) {
	router := restrictedRouter(nil)

	// A proxy header can steer ClientIP away from the socket address;
	// a genuine loopback connection must stay allowed regardless.
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
