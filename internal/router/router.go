package router

import (
	"net/http"
	"strconv"
	"strings"

	"bridge-backend/internal/config"
	"bridge-backend/internal/handlers"
	"bridge-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware applies the configured origin whitelist. An empty
// whitelist allows every origin.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}

	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originAllowed := func(origin string) bool {
		for _, allowed := range allowedOrigins {
			if strings.TrimSpace(allowed) == origin {
				return true
			}
		}
		return false
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			if originAllowed(origin) {
				c.Header("Access-Control-Allow-Origin", origin)
			} else {
				logrus.WithFields(logrus.Fields{
					"origin": origin,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SetupRouter wires the public bridge API, the status stream and the
// admin surface.
func SetupRouter(
	cfg *config.Config,
	bridge *handlers.BridgeHandler,
	ws *handlers.StatusWSHandler,
	admin *handlers.AdminHandler,
) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg.CORS))

	logger := logrus.StandardLogger()
	localhostOnly := middleware.NewLocalhostOnly(logger, cfg.Admin.AllowedIPs)
	adminAuth := middleware.NewAdminAuth(cfg.Admin.JWTSecret, logger)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "bridge-backend",
		})
	})
	r.GET("/metrics", localhostOnly.Restrict(), gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/deposit/address", bridge.CreateDepositAddress)
		api.GET("/deposit/:txHash/status", bridge.GetDepositStatus)
		api.GET("/withdrawal/:txHash/status", bridge.GetWithdrawalStatus)
		api.GET("/info", bridge.GetInfo)
		api.GET("/ws", ws.HandleWebSocket)

		adminGroup := api.Group("/admin", localhostOnly.Restrict())
		{
			adminGroup.POST("/login", admin.Login)
			adminGroup.POST("/totp/generate", admin.GenerateTOTPSecret)

			authed := adminGroup.Group("", adminAuth.Require())
			{
				authed.GET("/sessions", admin.ListSessions)
				authed.POST("/dkg/restart", admin.RestartDKG)
				authed.POST("/watermark", admin.SetWatermark)
			}
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message":    "Endpoint not found",
			"path":       c.Request.URL.Path,
			"suggestion": "Check /api/v1 endpoints for available APIs",
		})
	})

	return r
}
