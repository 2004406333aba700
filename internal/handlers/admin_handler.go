package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"bridge-backend/internal/config"
	"bridge-backend/internal/dto"
	"bridge-backend/internal/models"
	"bridge-backend/internal/repository"
	"bridge-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

const adminTokenTTL = 24 * time.Hour

// AdminHandler serves the operator admin surface: login, signing
// session inspection, DKG restart and watermark control. Everything
// except login sits behind the admin JWT middleware.
type AdminHandler struct {
	cfg    config.AdminConfig
	signer *services.SigningService
	state  repository.StateRepository
}

func NewAdminHandler(cfg config.AdminConfig, signer *services.SigningService, state repository.StateRepository) *AdminHandler {
	if cfg.TOTPSecret == "" || cfg.Password == "" {
		logrus.Warn("⚠️ Admin password or TOTP secret not configured, admin login will be rejected")
	}
	return &AdminHandler{
		cfg:    cfg,
		signer: signer,
		state:  state,
	}
}

// Login verifies credentials plus TOTP and issues a bearer token.
// POST /api/v1/admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	if h.cfg.TOTPSecret == "" || h.cfg.Password == "" {
		c.JSON(http.StatusInternalServerError, dto.AdminLoginResponse{
			Success: false,
			Message: "Server misconfiguration: admin credentials not set",
		})
		return
	}

	var req dto.AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.AdminLoginResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.Password)) == 1
	if !userOK || !passOK {
		c.JSON(http.StatusUnauthorized, dto.AdminLoginResponse{
			Success: false,
			Message: "Invalid credentials",
		})
		return
	}

	if !totp.Validate(req.TOTPCode, h.cfg.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, dto.AdminLoginResponse{
			Success: false,
			Message: "Invalid TOTP code",
		})
		return
	}

	token, err := h.generateToken(req.Username)
	if err != nil {
		logrus.WithError(err).Error("Failed to sign admin token")
		c.JSON(http.StatusInternalServerError, dto.AdminLoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	logrus.WithField("username", req.Username).Info("✅ Admin login")
	c.JSON(http.StatusOK, dto.AdminLoginResponse{
		Success: true,
		Token:   token,
		Message: "Login successful",
	})
}

// ListSessions dumps the signing session registry, newest first.
// GET /api/v1/admin/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions := h.signer.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"count":    len(sessions),
		"sessions": sessions,
		"groupKey": h.signer.GroupKeyHex(),
	})
}

// RestartDKG forces a fresh key generation ceremony. Coordinator only;
// participants follow the broadcast init.
// POST /api/v1/admin/dkg/restart
func (h *AdminHandler) RestartDKG(c *gin.Context) {
	if err := h.signer.RestartDKG(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	logrus.Warn("🔑 DKG restart requested via admin API")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "DKG restarted, previous group key replaced once the ceremony completes",
	})
}

// SetWatermark rewinds or advances one observer watermark. A rewind
// makes the observer rescan the range; the ledger keeps replays
// harmless.
// POST /api/v1/admin/watermark
func (h *AdminHandler) SetWatermark(c *gin.Context) {
	var req dto.WatermarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "chain and height are required",
		})
		return
	}

	var key string
	switch req.Chain {
	case "monero":
		key = models.StateKeyDepositHeight
	case "evm":
		key = models.StateKeyWithdrawalHeight
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "chain must be monero or evm",
		})
		return
	}

	if err := h.state.SetHeight(c.Request.Context(), key, req.Height); err != nil {
		logrus.WithError(err).WithField("chain", req.Chain).Error("Failed to set watermark")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to persist watermark",
		})
		return
	}

	logrus.WithFields(logrus.Fields{
		"chain":  req.Chain,
		"height": req.Height,
	}).Warn("Observer watermark overridden via admin API")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"chain":   req.Chain,
		"height":  req.Height,
	})
}

// GenerateTOTPSecret provisions a fresh TOTP secret. Refused once one
// is configured so the API cannot be used to rotate credentials.
// POST /api/v1/admin/totp/generate
func (h *AdminHandler) GenerateTOTPSecret(c *gin.Context) {
	if h.cfg.TOTPSecret != "" {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "TOTP secret already configured",
		})
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "XMR Bridge Admin",
		AccountName: h.cfg.Username,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to generate TOTP secret",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"secret":  key.Secret(),
		"url":     key.URL(),
		"message": "Store this secret in the admin.totpSecret config before restarting",
	})
}

func (h *AdminHandler) generateToken(username string) (string, error) {
	now := time.Now()
	claims := dto.AdminClaims{
		Username: username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "bridge-backend-admin",
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.cfg.JWTSecret))
}
