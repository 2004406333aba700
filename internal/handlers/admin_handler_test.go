package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-backend/internal/config"
	"bridge-backend/internal/dto"
	"bridge-backend/internal/middleware"
	"bridge-backend/internal/models"
	"bridge-backend/internal/services"
)

// fakeStateRepo is a map-backed StateRepository.
type fakeStateRepo struct {
	values  map[string]string
	heights map[string]uint64
	err     error
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{values: make(map[string]string), heights: make(map[string]uint64)}
}

func (r *fakeStateRepo) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := r.values[key]
	return v, ok, r.err
}

func (r *fakeStateRepo) Set(ctx context.Context, key, value string) error {
	r.values[key] = value
	return r.err
}

func (r *fakeStateRepo) GetHeight(ctx context.Context, key string) (uint64, error) {
	return r.heights[key], r.err
}

func (r *fakeStateRepo) SetHeight(ctx context.Context, key string, height uint64) error {
	if r.err != nil {
		return r.err
	}
	r.heights[key] = height
	return nil
}

// participantSigner builds a signing service with no transport or
// stores attached. Enough for session listing and for RestartDKG to
// refuse a non-coordinator; anything deeper belongs to the services
// tests.
func participantSigner() *services.SigningService {
	cfg := config.OperatorConfig{ParticipantID: 2, CoordinatorID: 1, Threshold: 2}
	return services.NewSigningService(cfg, nil, nil, nil, nil, nil)
}

func adminRouter(cfg config.AdminConfig, signer *services.SigningService, state *fakeStateRepo) *gin.Engine {
	handler := NewAdminHandler(cfg, signer, state)
	auth := middleware.NewAdminAuth(cfg.JWTSecret, logrus.New())

	router := gin.New()
	router.POST("/api/v1/admin/login", handler.Login)
	protected := router.Group("/api/v1/admin", auth.Require())
	protected.GET("/sessions", handler.ListSessions)
	protected.POST("/dkg/restart", handler.RestartDKG)
	protected.POST("/watermark", handler.SetWatermark)
	protected.POST("/totp/generate", handler.GenerateTOTPSecret)
	return router
}

func adminTestConfig(t *testing.T) config.AdminConfig {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "bridge-test", AccountName: "admin"})
	require.NoError(t, err)
	return config.AdminConfig{
		Username:   "admin",
		Password:   "correct horse battery staple",
		JWTSecret:  "unit-test-jwt-secret",
		TOTPSecret: key.Secret(),
	}
}

func loginBody(cfg config.AdminConfig, code string) string {
	return fmt.Sprintf(`{"username":%q,"password":%q,"totp_code":%q}`, cfg.Username, cfg.Password, code)
}

func TestAdminLoginIssuesUsableToken(t *testing.T) {
	cfg := adminTestConfig(t)
	router := adminRouter(cfg, participantSigner(), newFakeStateRepo())

	code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
	require.NoError(t, err)

	rec := doJSON(router, http.MethodPost, "/api/v1/admin/login", loginBody(cfg, code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp dto.AdminLoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)

	// The token must open the protected routes.
	req := newAuthedRequest(http.MethodGet, "/api/v1/admin/sessions", "Bearer "+resp.Token)
	rec = serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestAdminLoginRejections(t *testing.T) {
	cfg := adminTestConfig(t)
	router := adminRouter(cfg, participantSigner(), newFakeStateRepo())
	code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
	require.NoError(t, err)

	t.Run("missing fields", func(t *testing.T) {
		rec := doJSON(router, http.MethodPost, "/api/v1/admin/login", `{"username":"admin"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		body := fmt.Sprintf(`{"username":%q,"password":"nope","totp_code":%q}`, cfg.Username, code)
		rec := doJSON(router, http.MethodPost, "/api/v1/admin/login", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid credentials")
	})

	t.Run("wrong username", func(t *testing.T) {
		body := fmt.Sprintf(`{"username":"root","password":%q,"totp_code":%q}`, cfg.Password, code)
		rec := doJSON(router, http.MethodPost, "/api/v1/admin/login", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid credentials")
	})

	t.Run("stale totp code", func(t *testing.T) {
		stale, err := totp.GenerateCode(cfg.TOTPSecret, time.Now().Add(-5*time.Minute))
		require.NoError(t, err)
		rec := doJSON(router, http.MethodPost, "/api/v1/admin/login", loginBody(cfg, stale))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid TOTP code")
	})

	t.Run("credentials not configured", func(t *testing.T) {
		bare := adminRouter(config.AdminConfig{Username: "admin"}, participantSigner(), newFakeStateRepo())
		rec := doJSON(bare, http.MethodPost, "/api/v1/admin/login", loginBody(cfg, code))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "misconfiguration")
	})
}

func TestRestartDKGRefusedForParticipant(t *testing.T) {
	cfg := adminTestConfig(t)
	router := adminRouter(cfg, participantSigner(), newFakeStateRepo())
	token := mustLogin(t, router, cfg)

	req := newAuthedRequest(http.MethodPost, "/api/v1/admin/dkg/restart", "Bearer "+token)
	rec := serve(router, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "coordinator")
}

func TestSetWatermark(t *testing.T) {
	cfg := adminTestConfig(t)
	state := newFakeStateRepo()
	router := adminRouter(cfg, participantSigner(), state)
	token := mustLogin(t, router, cfg)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/watermark", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return serve(router, req)
	}

	rec := post(`{"chain":"monero","height":3123456}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(3123456), state.heights[models.StateKeyDepositHeight])

	rec = post(`{"chain":"evm","height":99}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(99), state.heights[models.StateKeyWithdrawalHeight])

	rec = post(`{"chain":"bitcoin","height":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "monero or evm")

	rec = post(`{"height":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	state.err = errors.New("connection refused")
	rec = post(`{"chain":"monero","height":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGenerateTOTPSecret(t *testing.T) {
	// Secret not yet configured: provisioning is open. The route is
	// normally localhost-guarded; that middleware has its own tests.
	cfg := config.AdminConfig{Username: "admin", JWTSecret: "unit-test-jwt-secret"}
	handler := NewAdminHandler(cfg, participantSigner(), newFakeStateRepo())
	router := gin.New()
	router.POST("/api/v1/admin/totp/generate", handler.GenerateTOTPSecret)

	rec := doJSON(router, http.MethodPost, "/api/v1/admin/totp/generate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		Secret  string `json:"secret"`
		URL     string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Secret)
	assert.Contains(t, resp.URL, "otpauth://")

	// Once configured the endpoint refuses to mint a replacement.
	configured := adminTestConfig(t)
	handler = NewAdminHandler(configured, participantSigner(), newFakeStateRepo())
	router = gin.New()
	router.POST("/api/v1/admin/totp/generate", handler.GenerateTOTPSecret)
	rec = doJSON(router, http.MethodPost, "/api/v1/admin/totp/generate", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "already configured")
}

func mustLogin(t *testing.T, router *gin.Engine, cfg config.AdminConfig) string {
	t.Helper()
	code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
	require.NoError(t, err)
	rec := doJSON(router, http.MethodPost, "/api/v1/admin/login", loginBody(cfg, code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp dto.AdminLoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func newAuthedRequest(method, path, authorization string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}
