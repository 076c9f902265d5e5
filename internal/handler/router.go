package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"carwash/internal/middleware"
	"carwash/internal/monitor"
	"carwash/pkg/utils"
)

// EngineOptions configures the shared gin engine
type EngineOptions struct {
	Metrics      *monitor.Metrics
	Tracer       *monitor.Tracer
	AllowOrigins []string
	MetricsPath  string
	// Breakers adds REST breaker states to /health when set
	Breakers BreakerSource
}

// NotifyOptions configures the notify routes
type NotifyOptions struct {
	// AuthSecret enables bearer token checks when set
	AuthSecret string
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  int
}

// NewEngine creates a gin engine with the common middleware chain, /health
// and the metrics endpoint.
func NewEngine(conn ConnectionSource, opts EngineOptions) *gin.Engine {
	utils.RegisterCustomValidators()

	r := gin.New()
	r.Use(
		middleware.Recovery(),
		middleware.Tracing(opts.Tracer),
		middleware.Logger(opts.Metrics),
		middleware.CORS(opts.AllowOrigins),
	)

	r.GET("/health", Health(conn, opts.Breakers))
	if opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(opts.Metrics.Handler()))
	}
	return r
}

// RegisterKioskRoutes mounts the kiosk UI API
func RegisterKioskRoutes(r *gin.Engine, h *KioskHandler) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/board", h.GetBoard)
		v1.GET("/connection", h.GetConnection)
		v1.DELETE("/session", h.DeleteSession)
	}
}

// RegisterNotifyRoutes mounts the backend notification API
func RegisterNotifyRoutes(r *gin.Engine, h *NotifyHandler, opts NotifyOptions) {
	notify := r.Group("/api/v1/notify")
	if opts.AuthSecret != "" {
		notify.Use(middleware.ServiceAuth(opts.AuthSecret))
	}
	notify.Use(middleware.Timeout(opts.Timeout))
	{
		notify.POST("/orders", h.PublishOrder)
		notify.POST("/kiosks/:device_id/payment", middleware.DeviceRateLimit(opts.RateLimit, opts.RateBurst), h.AssignPayment)
	}
}
