package uibridge

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"primus-kiosk/internal/auth"
	"primus-kiosk/internal/channel"
	"primus-kiosk/internal/queue"
)

type Handler struct {
	deps Deps
}

type tokenBody struct {
	Secret string `json:"secret"`
}

// Token exchanges the shared bridge secret for a short-lived bearer token.
// The UI reads the secret from its launch environment; nothing else on the
// machine should know it.
func (h *Handler) Token(c *gin.Context) {
	var body tokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Secret), []byte(h.deps.BridgeSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid bridge secret"})
		return
	}

	token, err := auth.CreateToken("kiosk-ui", h.deps.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// State is the UI's polling fallback: everything the overlay and status bar
// render in one response.
func (h *Handler) State(c *gin.Context) {
	remaining, known := h.deps.Reconciler.Remaining()
	_, onboarded := h.deps.Identity.Load()

	resp := gin.H{
		"connected":   h.deps.Channel.Connected(),
		"running":     h.deps.Channel.Running(),
		"onboarded":   onboarded,
		"lock":        h.deps.Dispatcher.LockState(),
		"queueLength": h.deps.Queue.Len(),
		"backendUrl":  h.deps.Store.BackendURL(),
	}
	if known {
		resp["remainingSeconds"] = remaining
		resp["remainingMinutes"] = remaining / 60
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Chat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.deps.Store.ChatMessages()})
}

type handshakeBody struct {
	AdminEmail    string `json:"adminEmail"`
	AdminPassword string `json:"adminPassword"`
	PCName        string `json:"pcName"`
}

// Handshake runs one-time onboarding and starts the command channel on
// success.
func (h *Handler) Handshake(c *gin.Context) {
	var body handshakeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.AdminEmail == "" || body.AdminPassword == "" || body.PCName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "adminEmail, adminPassword and pcName are required"})
		return
	}

	result, err := h.deps.Handshake.Perform(c.Request.Context(), body.AdminEmail, body.AdminPassword, body.PCName)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if err := h.deps.Channel.Start(); err != nil && !errors.Is(err, channel.ErrNoCredentials) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reset wipes the device identity; the channel halts and the device must
// re-onboard.
func (h *Handler) Reset(c *gin.Context) {
	h.deps.Channel.Stop()
	h.deps.Identity.Reset()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Start(c *gin.Context) {
	if err := h.deps.Channel.Start(); err != nil {
		if errors.Is(err, channel.ErrNoCredentials) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": h.deps.Channel.Running()})
}

type settingsBody struct {
	BackendURL string `json:"backendUrl"`
}

func (h *Handler) Settings(c *gin.Context) {
	var body settingsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.BackendURL != "" {
		h.deps.Store.SetBackendURL(body.BackendURL)
	}
	c.JSON(http.StatusOK, gin.H{"backendUrl": h.deps.Store.BackendURL()})
}

type sessionBody struct {
	SessionID int64 `json:"sessionId"`
}

// SessionStart records the server session the UI just opened on this PC. The
// reconciler arms its auto-stop for it, and a crashed agent finds it again at
// the next start.
func (h *Handler) SessionStart(c *gin.Context) {
	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	h.deps.Reconciler.SetSessionActive(body.SessionID)
	c.JSON(http.StatusOK, gin.H{"sessionId": body.SessionID})
}

// SessionEnd clears the active session after the UI closed it server-side.
func (h *Handler) SessionEnd(c *gin.Context) {
	h.deps.Reconciler.ClearSession()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type queuedPostBody struct {
	URL     string            `json:"url"`
	Payload any               `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// QueuedPost sends a mutating request through the offline queue so UI
// actions survive connectivity loss.
func (h *Handler) QueuedPost(c *gin.Context) {
	var body queuedPostBody
	if err := c.ShouldBindJSON(&body); err != nil || body.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.deps.Queue.PostWithQueue(c.Request.Context(), body.URL, body.Payload, body.Headers)
	if err != nil {
		if errors.Is(err, queue.ErrQueued) {
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) Flush(c *gin.Context) {
	h.deps.Queue.Flush(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"queueLength": h.deps.Queue.Len()})
}
