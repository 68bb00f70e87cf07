package httpapi

import (
	"github.com/gin-gonic/gin"

	"classroll/internal/auth"
	"classroll/internal/httpmiddleware"
)

// RouterConfig carries what the router needs beyond the handler.
type RouterConfig struct {
	JWTSigningKey  string
	JWTIssuer      string
	Limiter        *httpmiddleware.Limiter
	AllowedOrigins []string // browser origins admitted by CORS; empty allows all
}

// NewRouter assembles the engine API. Callers add /healthz and /metrics.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(AccessLog("/healthz", "/metrics"))
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(SecurityHeaders())
	r.Use(Instrument())

	v1 := r.Group("/v1", auth.ActorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	if cfg.Limiter != nil {
		v1.Use(cfg.Limiter.GinMiddleware(ActorKey))
	}
	h.Register(v1)
	return r
}
