// Package controlplane exposes the pool supervisor's operations over
// HTTP using gin: per-node status, bulk and single-node rotation, scale
// requests, and a summary endpoint for dashboards.
package controlplane

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shadowmesh/relaypool/pkg/logger"
	"github.com/shadowmesh/relaypool/pkg/poolerrors"
	"github.com/shadowmesh/relaypool/pkg/supervisor"
)

// SupervisorAPI is the subset of *supervisor.Supervisor the HTTP adapter
// calls into; an interface so handlers can be tested against a fake.
type SupervisorAPI interface {
	Status(nodeID string) (supervisor.Snapshot, error)
	StatusAll() []supervisor.Snapshot
	RotateAll(ctx context.Context) map[string]error
	RotateNode(ctx context.Context, nodeID string) error
	Scale(ctx context.Context, newSize int) error
}

// Server wraps a gin.Engine wired to a SupervisorAPI.
type Server struct {
	engine *gin.Engine
	sup    SupervisorAPI
	logger *logger.Logger
}

// scaleRequest is the JSON body POST /api/v1/nodes/scale accepts.
type scaleRequest struct {
	Size int `json:"size" binding:"required"`
}

// nodeStatusResponse is the JSON shape returned for a single node.
type nodeStatusResponse struct {
	NodeID        string `json:"node_id"`
	Status        string `json:"status"`
	SocksPort     int    `json:"socks_port"`
	ControlPort   int    `json:"control_port"`
	IsHealthy     bool   `json:"is_healthy"`
	ExitIP        string `json:"exit_ip,omitempty"`
	ExitCountry   string `json:"exit_country,omitempty"`
	LatencyMs     float64 `json:"latency_ms"`
	RotationCount int    `json:"rotation_count"`
	FailedChecks  int    `json:"failed_checks"`
}

// NewServer builds a Server with the standard route set. middleware is
// applied, in order, ahead of every route, so callers can inject request
// logging, auth, or rate limiting without this package knowing about it.
func NewServer(sup SupervisorAPI, log *logger.Logger, middleware ...gin.HandlerFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	for _, mw := range middleware {
		engine.Use(mw)
	}

	s := &Server{engine: engine, sup: sup, logger: log.Component("controlplane")}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler, for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1/nodes")
	v1.GET("", s.listNodes)
	v1.GET("/stats/summary", s.summary)
	v1.GET("/:node_id", s.getNode)
	v1.POST("/rotate", s.rotateAll)
	v1.POST("/:node_id/rotate", s.rotateNode)
	v1.POST("/scale", s.scale)
}

func (s *Server) listNodes(c *gin.Context) {
	snaps := s.sup.StatusAll()
	out := make([]nodeStatusResponse, len(snaps))
	for i, snap := range snaps {
		out[i] = toResponse(snap)
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (s *Server) getNode(c *gin.Context) {
	nodeID := c.Param("node_id")
	snap, err := s.sup.Status(nodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(snap))
}

func (s *Server) rotateAll(c *gin.Context) {
	results := s.sup.RotateAll(c.Request.Context())
	failures := map[string]string{}
	for nodeID, err := range results {
		if err != nil {
			failures[nodeID] = err.Error()
		}
	}
	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"rotated":  len(results) - len(failures),
		"failed":   len(failures),
		"failures": failures,
	})
}

func (s *Server) rotateNode(c *gin.Context) {
	nodeID := c.Param("node_id")
	if err := s.sup.RotateNode(c.Request.Context(), nodeID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "rotated": true})
}

func (s *Server) scale(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.Scale(c.Request.Context(), req.Size); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": req.Size})
}

func (s *Server) summary(c *gin.Context) {
	snaps := s.sup.StatusAll()

	total := len(snaps)
	healthy := 0
	countries := map[string]int{}
	for _, snap := range snaps {
		if snap.IsHealthy {
			healthy++
		}
		if snap.ExitCountry != "" {
			countries[snap.ExitCountry]++
		}
	}

	var healthPct float64
	if total > 0 {
		healthPct = float64(healthy) / float64(total) * 100
	}

	c.JSON(http.StatusOK, gin.H{
		"total_nodes":       total,
		"healthy_nodes":     healthy,
		"unhealthy_nodes":   total - healthy,
		"health_percentage": healthPct,
		"countries":         countries,
	})
}

func toResponse(snap supervisor.Snapshot) nodeStatusResponse {
	return nodeStatusResponse{
		NodeID:        snap.NodeID,
		Status:        string(snap.Status),
		SocksPort:     snap.SocksPort,
		ControlPort:   snap.ControlPort,
		IsHealthy:     snap.IsHealthy,
		ExitIP:        snap.ExitIP,
		ExitCountry:   snap.ExitCountry,
		LatencyMs:     snap.LatencyMs,
		RotationCount: snap.RotationCount,
		FailedChecks:  snap.FailedChecks,
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch poolerrors.GetCategory(err) {
	case poolerrors.NotFound:
		status = http.StatusNotFound
	case poolerrors.ScaleInProgress:
		status = http.StatusConflict
	case poolerrors.ConfigInvalid:
		status = http.StatusBadRequest
	case poolerrors.ControlUnavailable, poolerrors.ControlRejected, poolerrors.ControlMalformed,
		poolerrors.SpawnFailed, poolerrors.BootstrapTimeout:
		status = http.StatusBadGateway
	case poolerrors.Cancelled:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
