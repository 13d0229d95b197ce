package shuttleplus

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ProxyHandler exposes a CacheController over HTTP for callers that are not
// linked against this package. Control endpoints live under /_sw; every other
// request is forwarded through the controller to the origin.
type ProxyHandler struct {
	cc     *CacheController
	push   *PushReceiver
	logger *slog.Logger
}

type clickRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

type registerRequest struct {
	Version string `json:"version"`
}

// NewProxyHandler builds the gin engine. push may be nil, in which case
// /_sw/push answers 503.
func NewProxyHandler(cc *CacheController, push *PushReceiver, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = discardLogger
	}
	h := &ProxyHandler{cc: cc, push: push, logger: logger.With("component", "proxy")}

	router := gin.New()
	router.Use(gin.Recovery(), h.logRequests)
	h.Register(router.Group("/_sw"))
	router.NoRoute(h.forward)
	return router
}

func (h *ProxyHandler) Register(router *gin.RouterGroup) {
	router.GET("/state", h.state)
	router.POST("/register", h.register)
	router.POST("/message", h.message)
	router.POST("/push", h.pushDelivery)
	router.POST("/sync/:tag", h.sync)
	router.POST("/notificationclick", h.notificationClick)
	router.POST("/clients/attach", h.attachClient)
	router.POST("/clients/detach", h.detachClient)
	router.POST("/clients/release", h.releaseClients)
}

func (h *ProxyHandler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("proxy", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "duration", time.Since(start))
}

func (h *ProxyHandler) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.cc.State())
}

func (h *ProxyHandler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := h.cc.Register(c.Request.Context(), req.Version)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *ProxyHandler) message(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cc.HandleMessage(c.Request.Context(), &msg); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnknownMessage) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *ProxyHandler) pushDelivery(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push not configured"})
		return
	}
	h.push.ServeHTTP(c.Writer, c.Request)
}

func (h *ProxyHandler) sync(c *gin.Context) {
	if err := h.cc.HandleSync(c.Request.Context(), c.Param("tag")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *ProxyHandler) notificationClick(c *gin.Context) {
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := h.cc.HandleNotificationClick(c.Request.Context(), req.Action, req.Data)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "url": target})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": target})
}

func (h *ProxyHandler) attachClient(c *gin.Context) {
	h.cc.AttachClient()
	c.JSON(http.StatusOK, h.cc.State())
}

func (h *ProxyHandler) detachClient(c *gin.Context) {
	if err := h.cc.DetachClient(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.cc.State())
}

func (h *ProxyHandler) releaseClients(c *gin.Context) {
	if err := h.cc.ReleaseClients(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.cc.State())
}

// forward rewrites the request onto the origin and runs it through the
// controller.
func (h *ProxyHandler) forward(c *gin.Context) {
	out := c.Request.Clone(c.Request.Context())
	out.RequestURI = ""
	out.URL.Scheme = h.cc.origin.Scheme
	out.URL.Host = h.cc.origin.Host
	out.Host = h.cc.origin.Host

	resp, err := h.cc.RoundTrip(out)
	if err != nil {
		h.logger.Warn("forward failed", "url", out.URL.String(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.logger.Debug("copy response", "error", err)
	}
}
