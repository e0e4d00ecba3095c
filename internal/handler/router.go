package handler

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattendance/internal/auth"
	"qrattendance/internal/httpmiddleware"
)

// NewRouter wires the API routes. gatherer backs /metrics; nil uses the default registry.
func NewRouter(h *Handler, limiter *httpmiddleware.TokenBucket, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	// Person codes may contain an escaped slash.
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))
	r.Use(securityHeaders())

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.Healthz)

	r.POST("/v1/devices/register", h.RegisterDevice)
	r.POST("/v1/devices/refresh", h.RefreshDevice)

	v1 := r.Group("/v1", auth.DeviceAuth(h.Issuer), limiter.GinMiddleware())
	{
		v1.POST("/scans", h.SubmitScan)
		v1.POST("/scans/image", h.SubmitImage)

		v1.GET("/decisions", h.ListDecisions)
		v1.GET("/decisions/:scan_id", h.GetDecision)
		v1.GET("/stats", h.Stats)

		v1.GET("/persons", h.ListPersons)
		v1.POST("/persons", h.CreatePerson)
		v1.GET("/persons/:code/qr", h.PersonQR)

		v1.GET("/events", h.ListEvents)
		v1.GET("/reports/daily", h.DailyReport)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
