package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"bridge-backend/internal/config"
	"bridge-backend/internal/handlers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testRouter wires the full route table. The injected handlers carry no
// backing services; the routes under test never reach into them.
func testRouter(cfg *config.Config) *gin.Engine {
	return SetupRouter(cfg,
		handlers.NewBridgeHandler(nil, nil, nil),
		handlers.NewStatusWSHandler(nil),
		handlers.NewAdminHandler(cfg.Admin, nil, nil),
	)
}

func serveFrom(router *gin.Engine, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPublicEndpoints(t *testing.T) {
	router := testRouter(&config.Config{})

	rec := serveFrom(router, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")

	rec = serveFrom(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge-backend")
}

func TestMetricsRestrictedToOperatorHosts(t *testing.T) {
	router := testRouter(&config.Config{})

	// httptest's default remote is a TEST-NET address: outside.
	rec := serveFrom(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveFrom(router, http.MethodGet, "/metrics", "127.0.0.1:55000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_deposits_processed_total")
}

func TestAdminGateRunsBeforeHandlers(t *testing.T) {
	router := testRouter(&config.Config{})

	rec := serveFrom(router, http.MethodPost, "/api/v1/admin/login", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "IP_NOT_ALLOWED")

	// From loopback the gate opens and the handler itself answers; with
	// no admin credentials configured that answer is the misconfiguration
	// refusal, not the IP refusal.
	rec = serveFrom(router, http.MethodPost, "/api/v1/admin/login", "127.0.0.1:55000")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "misconfiguration")
}

func TestUnknownRouteAnswersJSON(t *testing.T) {
	router := testRouter(&config.Config{})

	rec := serveFrom(router, http.MethodGet, "/api/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Endpoint not found")
}

func TestCORSHeaders(t *testing.T) {
	// Empty whitelist: every origin allowed.
	open := testRouter(&config.Config{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/info", nil)
	req.Header.Set("Origin", "https://bridge.example")
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))

	// Whitelisted origins are echoed back, others get no CORS grant but
	// the request is still served.
	strict := testRouter(&config.Config{CORS: config.CORSConfig{
		AllowedOrigins:   []string{"https://bridge.example"},
		AllowCredentials: true,
		MaxAge:           600,
	}})

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://bridge.example")
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://bridge.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouteTableCoversBridgeSurface(t *testing.T) {
	router := testRouter(&config.Config{})

	registered := make(map[string]bool)
	for _, route := range router.Routes() {
		registered[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"POST /api/v1/deposit/address",
		"GET /api/v1/deposit/:txHash/status",
		"GET /api/v1/withdrawal/:txHash/status",
		"GET /api/v1/info",
		"GET /api/v1/ws",
		"POST /api/v1/admin/login",
		"POST /api/v1/admin/totp/generate",
		"GET /api/v1/admin/sessions",
		"POST /api/v1/admin/dkg/restart",
		"POST /api/v1/admin/watermark",
		"GET /metrics",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}
