package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/starktol/vtu-platform/internal/config"
)

func NewRouter(s Services, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, s)
	return r
}
