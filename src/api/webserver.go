// Package api exposes the investigation service over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/breaker"
	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/orchestrator"
)

// Catalog lists the registered agents.
type Catalog interface {
	Capabilities() []agentcore.Descriptor
}

// Options wires the router to the engine.
type Options struct {
	Service  *orchestrator.Service
	Agents   Catalog
	Breakers *breaker.Registry
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// RateLimit caps requests per client IP per second; zero disables it.
	RateLimit rate.Limit
	Burst     int
	Logger    *slog.Logger
}

// New builds the gin engine.
func New(opts Options) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(logging.OrDiscard(opts.Logger)))
	attachRoutes(g, opts)
	return g
}

func attachRoutes(r *gin.Engine, opts Options) {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", headerUserID, headerSessionID},
		ExposeHeaders: []string{"Content-Length", "Location"},
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	invH := newInvestigations(opts.Service)
	engH := engine{agents: opts.Agents, breakers: opts.Breakers, service: opts.Service}

	v1 := r.Group("/v1")
	if opts.RateLimit > 0 {
		v1.Use(RateLimitMiddleware(NewRateLimiter(opts.RateLimit, opts.Burst)))
	}
	{
		v1.POST("/investigations", invH.Create)
		v1.GET("/investigations", invH.List)
		v1.GET("/investigations/:id", invH.Get)
		v1.DELETE("/investigations/:id", invH.Cancel)

		v1.GET("/agents", engH.Agents)
		v1.GET("/breakers", engH.Breakers)
		v1.GET("/graph/entities/:id", engH.Entity)
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("api: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
		)
	}
}
