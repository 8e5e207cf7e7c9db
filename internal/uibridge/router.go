// Package uibridge is the loopback HTTP surface the embedded kiosk UI talks
// to: agent state, onboarding, queued actions, and a websocket event stream.
package uibridge

import (
	"github.com/gin-gonic/gin"

	"primus-kiosk/internal/auth"
	"primus-kiosk/internal/channel"
	"primus-kiosk/internal/dispatch"
	"primus-kiosk/internal/events"
	"primus-kiosk/internal/handshake"
	"primus-kiosk/internal/identity"
	"primus-kiosk/internal/middleware"
	"primus-kiosk/internal/queue"
	"primus-kiosk/internal/session"
	"primus-kiosk/internal/store"
)

type Deps struct {
	TokenConfig  auth.TokenConfig
	BridgeSecret string

	Store      *store.Store
	Bus        *events.Bus
	Channel    *channel.Channel
	Dispatcher *dispatch.Dispatcher
	Reconciler *session.Reconciler
	Queue      *queue.Queue
	Identity   *identity.Store
	Handshake  *handshake.Flow
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	h := &Handler{deps: deps}
	r.POST("/v1/token", h.Token)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/state", h.State)
	protected.GET("/chat", h.Chat)
	protected.POST("/handshake", h.Handshake)
	protected.POST("/reset", h.Reset)
	protected.POST("/start", h.Start)
	protected.POST("/settings", h.Settings)
	protected.POST("/session", h.SessionStart)
	protected.DELETE("/session", h.SessionEnd)
	protected.POST("/actions/post", h.QueuedPost)
	protected.POST("/actions/flush", h.Flush)

	ws := &WebSocketHandler{Bus: deps.Bus, TokenConfig: deps.TokenConfig}
	r.GET("/ws", ws.Serve)

	return r
}
