package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// Gateway bundles the WebSocket hub, its HTTP handler, and the small REST
// surface for non-streaming reads.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
	core    Core
	logger  *logger.Logger
}

// NewGateway creates a gateway bound to the daemon core.
func NewGateway(core Core, log *logger.Logger) *Gateway {
	hub := NewHub(core, log)
	handler := NewHandler(hub, log)

	return &Gateway{
		Hub:     hub,
		Handler: handler,
		core:    core,
		logger:  log,
	}
}

// SetupRoutes adds the gateway routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)

	api := router.Group("/api/v1")
	api.GET("/health", g.handleHealth)
	api.GET("/executors", g.handleExecutors)
	api.GET("/kanban", g.handleKanban)
	api.GET("/pool/metrics", g.handlePoolMetrics)
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "agentboard",
		"clients": g.Hub.ClientCount(),
	})
}

func (g *Gateway) handleExecutors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executors": g.core.Executors()})
}

func (g *Gateway) handleKanban(c *gin.Context) {
	snap, err := g.core.KanbanSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (g *Gateway) handlePoolMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, g.core.PoolMetrics())
}
