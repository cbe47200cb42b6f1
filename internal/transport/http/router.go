package http

import (
	"github.com/gin-gonic/gin"
	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/repo"
	"github.com/gymops/gymsync/internal/service"
	"go.uber.org/zap"
)

func NewRouter(ingest *service.IngestService, attendance *service.AttendanceService, r repo.RepositoryInterface, syncCfg config.SyncConfig, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(LoggingMiddleware(log))
	router.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(router, ingest, attendance, r, syncCfg, log)
	return router
}
