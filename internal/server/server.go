package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"

	"github.com/seefan21/outpaint-batch/internal/logger"
	"github.com/seefan21/outpaint-batch/internal/outpaint"
	"github.com/seefan21/outpaint-batch/internal/server/handler"
)

func Start(host, port, apiKey string, service *outpaint.Service) {
	router := InitRouter(apiKey, service)
	if err := router.Run(host + ":" + port); err != nil {
		panic(err)
	}
}

func PermissionCheckMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestKey := c.GetHeader("API-KEY")
		if requestKey != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid API key",
			})
			return
		}
		c.Next()
	}
}

func InitRouter(apiKey string, service *outpaint.Service) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.RecoveryWithZap(logger.ZapLogger, true))
	router.Use(ginzap.Ginzap(logger.ZapLogger, time.RFC3339Nano, true))
	router.Use(cors.Default())
	pprof.Register(router)

	h := handler.New(service)
	apiGroup := router.Group("", PermissionCheckMiddleware(apiKey))
	apiGroup.POST("/outpaint-task", h.CreateOutpaintTask)

	apiGroup.GET("/backend/status", h.GetBackendStatus)
	apiGroup.POST("/backend/probe/:id", h.ProbeBackend)
	apiGroup.POST("/backend/primary", h.SetPrimaryBackend)

	apiGroup.GET("/queue", h.GetQueueStats)
	apiGroup.GET("/queue/items", h.GetQueueItems)
	apiGroup.DELETE("/queue/items/:id", h.WithdrawQueueItem)
	apiGroup.POST("/queue/retry-failed", h.RetryFailed)

	apiGroup.GET("/advisory", h.GetAdvisory)
	apiGroup.POST("/advisory/accept", h.AcceptAdvisory)
	return router
}
