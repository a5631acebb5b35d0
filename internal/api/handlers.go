// Package api wires up the per-node Gin HTTP status surface. It is strictly
// read-only and never touches the datagram protocol: all mutation and all
// cluster traffic stay on the UDP path. The API exists so operators can
// inspect a node — role, roster, request counter, cached keys — without
// attaching a debugger.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paxos-kvstore/internal/cluster"
)

// Handler holds the node being inspected.
type Handler struct {
	node   *cluster.Node
	logger *zap.Logger
}

// NewHandler creates a Handler for node.
func NewHandler(node *cluster.Node, logger *zap.Logger) *Handler {
	return &Handler{node: node, logger: logger}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/status", h.Status)
	r.GET("/keys", h.Keys)
	r.GET("/kv/:key", h.Get)
}

// Router builds a Gin engine with the node's middleware and routes mounted.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Logger(h.logger), Recovery(h.logger))
	h.Register(r)
	return r
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"role":          h.node.Role().String(),
		"addr":          h.node.Addr().String(),
		"leader":        h.node.LeaderAddr().String(),
		"request_id":    h.node.RequestID(),
		"cluster_index": h.node.ClusterIndex(),
		"roster":        h.node.RosterSnapshot(),
	})
}

// Keys handles GET /keys — the locally cached keys only.
func (h *Handler) Keys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": h.node.CachedKeys()})
}

// Get handles GET /kv/:key. It reads the in-memory cache only and never
// triggers cluster recovery; a cache miss is a 404 even when the WAL holds a
// shard for the key.
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")
	value := h.node.CachedGet(key)
	if value == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not cached"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": strings.TrimRight(value, "\x00"),
	})
}
