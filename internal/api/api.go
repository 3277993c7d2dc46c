// Package api serves the administrative HTTP surface: rate-limit statistics,
// cooldown clearing, self-identity management, and skill-cache control. The
// server binds to loopback; it is an operator tool, not a skill-reachable
// endpoint.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillfence/skillfence/internal/executor"
	"github.com/skillfence/skillfence/internal/logger"
)

var log = logger.New("api")

// Server is the admin API.
type Server struct {
	exec   *executor.Executor
	engine *gin.Engine
}

// NewServer builds the admin API around an executor.
func NewServer(exec *executor.Executor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{exec: exec, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.POST("/cooldown/clear", s.handleClearCooldown)
		api.POST("/selfids", s.handleAddSelfID)
		api.DELETE("/selfids", s.handleRemoveSelfID)
		api.POST("/skills/invalidate", s.handleInvalidate)
		api.POST("/skills/reset", s.handleReset)
	}
}

func (s *Server) limiterOr503(c *gin.Context) bool {
	if s.exec.Limiter() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no rate limiter configured"})
		return false
	}
	return true
}

func (s *Server) handleStats(c *gin.Context) {
	if !s.limiterOr503(c) {
		return
	}
	c.JSON(http.StatusOK, s.exec.Limiter().Stats())
}

type requesterBody struct {
	Requester string `json:"requester" binding:"required"`
}

func (s *Server) handleClearCooldown(c *gin.Context) {
	if !s.limiterOr503(c) {
		return
	}
	var body requesterBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requester is required"})
		return
	}
	s.exec.Limiter().ClearCooldown(body.Requester)
	log.Info("cleared cooldown for %q", body.Requester)
	c.JSON(http.StatusOK, gin.H{"cleared": body.Requester})
}

type selfIDBody struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) handleAddSelfID(c *gin.Context) {
	if !s.limiterOr503(c) {
		return
	}
	var body selfIDBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	s.exec.Limiter().AddSelfID(body.ID)
	c.JSON(http.StatusOK, gin.H{"added": body.ID})
}

func (s *Server) handleRemoveSelfID(c *gin.Context) {
	if !s.limiterOr503(c) {
		return
	}
	var body selfIDBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	s.exec.Limiter().RemoveSelfID(body.ID)
	c.JSON(http.StatusOK, gin.H{"removed": body.ID})
}

type pathBody struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var body pathBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	s.exec.InvalidateSkill(body.Path)
	c.JSON(http.StatusOK, gin.H{"invalidated": body.Path})
}

func (s *Server) handleReset(c *gin.Context) {
	s.exec.ResetCache()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on loopback at the given port until the listener fails.
func (s *Server) Run(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Info("admin API listening on %s", addr)
	return s.engine.Run(addr)
}
