// Package api is the minimal HTTP/websocket demo surface over the
// transport-agnostic core in internal/protocol: a signed envelope endpoint,
// a health check, and a live event stream, with the usual CORS middleware,
// public-vs-protected route group split, and bearer-auth-then-rate-limit
// middleware order.
package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/credit-hub/internal/events"
	"github.com/rawblock/credit-hub/internal/protocol"
)

// Handler wires the envelope dispatcher and event bus into gin routes.
type Handler struct {
	dispatcher *protocol.Dispatcher
	bus        *events.Bus
	upgrader   websocket.Upgrader
}

// NewHandler builds the demo HTTP handler over a ready dispatcher and bus.
func NewHandler(dispatcher *protocol.Dispatcher, bus *events.Bus) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		bus:        bus,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// SetupRouter builds the gin engine: CORS, public health/stream endpoints,
// and a bearer-auth + rate-limited envelope endpoint, same grouping the
// teacher uses to separate public dashboard reads from protected analysis
// endpoints.
func SetupRouter(h *Handler, authToken string) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Participant-PID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	pub := r.Group("/v1")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/stream", h.handleStream)
	}

	protected := r.Group("/v1")
	protected.Use(protocol.BearerAuthMiddleware(authToken))
	protected.Use(protocol.NewRateLimiter(120, 20).Middleware())
	{
		protected.POST("/envelope", h.handleEnvelope)
	}

	return r
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "operational", "engine": "credit-hub"})
}

// handleStream upgrades to a websocket and subscribes the connection to
// the live event bus.
func (h *Handler) handleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	h.bus.Subscribe(conn)
	go func() {
		defer h.bus.Unsubscribe(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleEnvelope is the one write path every transport funnels through:
// decode the signed envelope and hand it to the core dispatcher. Signature
// verification and freshness checking happen inside the registered
// handlers (internal/protocol.Dispatcher.Dispatch is deliberately silent
// on both), so a bad signature surfaces as the handler's own error code.
func (h *Handler) handleEnvelope(c *gin.Context) {
	var env protocol.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.NewError(protocol.CodeValidationError, "malformed envelope", nil)})
		return
	}
	env.ReceivedAt = time.Now()

	resp, err := h.dispatcher.Dispatch(c.Request.Context(), env)
	if err != nil {
		if apiErr, ok := err.(*protocol.APIError); ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": apiErr})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": protocol.NewError(protocol.CodeInternalError, err.Error(), nil)})
		return
	}
	c.JSON(http.StatusOK, resp)
}
