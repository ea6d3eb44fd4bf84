// Package web serves the JSON API the dashboard polls.
package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rotating-proxy/logbuf"
	"rotating-proxy/logic"
	"rotating-proxy/service"
)

type Server struct {
	Pool     *logic.Pool
	Rotator  *logic.RotationController
	Service  *service.Service
	Logs     *logbuf.Ring
	Log      zerolog.Logger
	BasePath string
}

// quietPaths are polled by the dashboard every few seconds.
var quietPaths = []string{
	"/fetch_status",
	"/validation_status",
	"/service/status",
	"/status",
	"/logs",
	"/healthz",
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		for _, q := range quietPaths {
			if strings.HasSuffix(path, q) {
				return
			}
		}
		ev := s.Log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.Log.Warn()
		}
		ev.Str("client", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start).Truncate(time.Millisecond)).
			Msg("api request")
	}
}

// Router builds the gin engine with every route mounted under BasePath.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.RecoveryWithWriter(s.Log))
	router.Use(s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})

	base := s.BasePath
	if base == "" {
		base = "/api"
	}
	api := router.Group(base)
	api.GET("/status", s.status)
	api.GET("/logs", s.logs)

	api.POST("/fetch_proxies", s.fetchProxies)
	api.GET("/fetch_status", s.taskStatus(logic.TaskFetch))
	api.POST("/validate_proxies", s.validateProxies)
	api.GET("/validation_status", s.taskStatus(logic.TaskValidate))
	api.POST("/cancel_task", s.cancelTask)

	api.GET("/proxies", s.proxies)
	api.GET("/validated_proxies", s.validatedProxies)
	api.GET("/export_proxies", s.exportProxies)
	api.POST("/clear_proxies", s.clearProxies)

	api.POST("/rotate_proxy", s.rotateProxy)
	api.POST("/set_auto_rotation", s.setAutoRotation)
	api.GET("/rotation_history", s.rotationHistory)

	svc := api.Group("/service")
	svc.POST("/start", s.startService)
	svc.POST("/stop", s.stopService)
	svc.GET("/status", s.serviceStatus)
	return router
}
