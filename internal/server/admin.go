package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/storegw/internal/audit"
	"github.com/vyrodovalexey/storegw/internal/cache"
	"github.com/vyrodovalexey/storegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/storegw/internal/health"
	"github.com/vyrodovalexey/storegw/internal/middleware"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
)

// adminOpTimeout bounds admin operations that reach a shared store.
const adminOpTimeout = 5 * time.Second

// RegistrySnapshotter exposes the registry's resolved state.
type RegistrySnapshotter interface {
	Snapshot() []registry.ServiceView
}

// Admin holds the components the admin endpoints read and operate on.
// Nil components disable their endpoints.
type Admin struct {
	Health   *health.Handler
	Metrics  *observability.Metrics
	Router   *router.Router
	Registry RegistrySnapshotter
	Breakers *circuitbreaker.Registry
	Cache    cache.Cache
	Audit    audit.Logger
	Logger   observability.Logger
}

// RouteView is the admin representation of a route.
type RouteView struct {
	Name      string   `json:"name"`
	Pattern   string   `json:"pattern"`
	Match     string   `json:"match"`
	Service   string   `json:"service"`
	Methods   []string `json:"methods,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
	Cached    bool     `json:"cached"`
	Auth      bool     `json:"auth"`
	RateLimit bool     `json:"rateLimit"`
}

// NewAdminEngine returns the admin engine.
func NewAdminEngine(a Admin, opts EngineOptions) *gin.Engine {
	if a.Logger == nil {
		a.Logger = observability.NopLogger()
	}
	if a.Audit == nil {
		a.Audit = audit.NopLogger()
	}
	opts.SkipHealthLogs = true

	engine := newEngine(opts)
	engine.Use(middleware.SecurityHeaders())
	if a.Health != nil {
		a.Health.RegisterRoutes(engine)
	}
	if a.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	}

	group := engine.Group("/admin")
	if a.Router != nil {
		group.GET("/routes", a.routes)
	}
	if a.Registry != nil {
		group.GET("/registry", a.registry)
	}
	if a.Breakers != nil {
		group.GET("/breakers", a.breakers)
		group.POST("/breakers/reset", a.resetBreakers)
	}
	if a.Cache != nil {
		group.DELETE("/cache", a.purgeCache)
	}
	return engine
}

func (a Admin) routes(c *gin.Context) {
	routes := a.Router.Routes()
	views := make([]RouteView, 0, len(routes))
	for _, r := range routes {
		view := RouteView{
			Name:      r.Name,
			Pattern:   r.Pattern,
			Match:     r.MatchType(),
			Service:   r.Service,
			Methods:   r.Methods(),
			Cached:    r.Config.Cache != nil && r.Config.Cache.Enabled,
			Auth:      r.Config.Auth != nil && r.Config.Auth.Required,
			RateLimit: r.Config.RateLimit != nil,
		}
		if r.Timeout > 0 {
			view.Timeout = r.Timeout.String()
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"routes": views})
}

func (a Admin) registry(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": a.Registry.Snapshot()})
}

func (a Admin) breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": a.Breakers.Stats()})
}

// resetBreakers closes the breaker named by the key query parameter, or
// every breaker when the parameter is absent.
func (a Admin) resetBreakers(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())

	key := c.Query("key")
	if key == "" {
		a.Breakers.ResetAll(ctx)
		a.Logger.Info("all circuit breakers reset")
		a.recordAudit(c, audit.NewEvent(audit.EventTypeAdministrative, audit.ActionBreakerResetAll, audit.OutcomeSuccess).
			WithMetadata("count", a.Breakers.Count()))
		c.JSON(http.StatusOK, gin.H{"reset": a.Breakers.Count()})
		return
	}

	if !a.Breakers.Reset(ctx, key) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no circuit breaker with key " + key,
		})
		return
	}
	a.Logger.Info("circuit breaker reset", observability.String("key", key))
	a.recordAudit(c, audit.NewEvent(audit.EventTypeAdministrative, audit.ActionBreakerReset, audit.OutcomeSuccess).
		WithResource(&audit.Resource{Type: "circuit_breaker", ID: key}))
	c.JSON(http.StatusOK, gin.H{"reset": 1})
}

func (a Admin) purgeCache(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), adminOpTimeout)
	defer cancel()

	err := a.Cache.Purge(ctx)
	a.recordAudit(c, audit.NewEvent(audit.EventTypeAdministrative, audit.ActionCachePurge, audit.OutcomeSuccess).
		WithResource(&audit.Resource{Type: "response_cache"}).
		WithError(err))
	if err != nil {
		a.Logger.Error("cache purge failed", observability.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "cache_purge_failed",
			"message": err.Error(),
		})
		return
	}
	a.Logger.Info("response cache purged")
	c.Status(http.StatusNoContent)
}

func (a Admin) recordAudit(c *gin.Context, event *audit.Event) {
	event.WithSubject(&audit.Subject{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if event.Resource == nil {
		event.Resource = &audit.Resource{}
	}
	event.Resource.Path = c.Request.URL.Path
	event.Resource.Method = c.Request.Method
	a.Audit.LogEvent(c.Request.Context(), event)
}
