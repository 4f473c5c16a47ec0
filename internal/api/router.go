// Package api wires the HTTP surface of the message hub.
package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
	_ "github.com/Energinet-DataHub/opengeh-edi-sub022/docs"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/api/handler"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/api/middleware"
)

// NewRouter 注册路由与中间件
func NewRouter(cfg *config.Config, h *handler.Handler, logger *zap.Logger) *gin.Engine {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Sentry.DSN != "" {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	r.Use(otelgin.Middleware(cfg.App.Name))
	r.Use(middleware.AccessLog(logger))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health", h.Health)
	if cfg.App.Env != "production" {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	v1 := r.Group("/api/v1", middleware.Auth(cfg.JWT), limiter.Middleware())
	{
		messages := v1.Group("/messages")
		messages.GET("/peek/:category", h.Peek)
		messages.DELETE("/dequeue/:message_id", h.Dequeue)
	}
	return r
}
