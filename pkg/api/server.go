// Package api is the HTTP edge: the switchboard's ingest boundary, the
// dashboard-facing module-state endpoints, butler liveness intake, and the
// Google OAuth bootstrap.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Tzeusy/butlers/pkg/ingest"
	"github.com/Tzeusy/butlers/pkg/mcpserver"
	"github.com/Tzeusy/butlers/pkg/triage"
)

// PeerCaller is the slice of the MCP peer client the edge needs to delegate
// module-state operations to butler daemons.
type PeerCaller interface {
	CallToolJSON(ctx context.Context, peerName, toolName string, args map[string]any) (map[string]any, error)
}

// Registry resolves butler names to their registration row.
type Registry interface {
	Lookup(ctx context.Context, name string) (ButlerRegistration, bool, error)
	RecordHeartbeat(ctx context.Context, name string) (ButlerRegistration, error)
}

// ButlerRegistration is one butler_registry row.
type ButlerRegistration struct {
	Name             string `json:"butler_name"`
	Description      string `json:"description"`
	EndpointURL      string `json:"endpoint_url"`
	EligibilityState string `json:"eligibility_state"`
}

// EnqueueFunc hands an accepted message to the routing buffer.
type EnqueueFunc func(ctx context.Context, env *ingest.Envelope, resp *ingest.Response) error

// Server wires the gin routes. Nil collaborators disable their routes.
type Server struct {
	db       ingest.DB
	peers    PeerCaller
	registry Registry
	enqueue  EnqueueFunc
	oauth    *OAuthFlow

	triageRules  []triage.Rule
	triageCache  bool
	healthChecks []func(ctx context.Context) error
}

// Options carries the optional collaborators for NewServer.
type Options struct {
	DB           ingest.DB
	Peers        PeerCaller
	Registry     Registry
	Enqueue      EnqueueFunc
	OAuth        *OAuthFlow
	TriageRules  []triage.Rule
	TriageCache  bool
	HealthChecks []func(ctx context.Context) error
}

// NewServer builds the HTTP edge.
func NewServer(opts Options) *Server {
	return &Server{
		db:           opts.DB,
		peers:        opts.Peers,
		registry:     opts.Registry,
		enqueue:      opts.Enqueue,
		oauth:        opts.OAuth,
		triageRules:  opts.TriageRules,
		triageCache:  opts.TriageCache,
		healthChecks: opts.HealthChecks,
	}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	if s.db != nil {
		r.POST("/api/ingest", s.handleIngest)
	}
	if s.registry != nil {
		r.POST("/api/switchboard/heartbeat", s.handleHeartbeat)
	}
	if s.registry != nil && s.peers != nil {
		r.GET("/api/butlers/:name/module-states", s.handleGetModuleStates)
		r.PUT("/api/butlers/:name/module-states/:module/enabled", s.handleSetModuleEnabled)
	}
	if s.oauth != nil {
		r.GET("/api/oauth/google/start", s.oauth.Start)
		r.GET("/api/oauth/google/callback", s.oauth.Callback)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for _, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleIngest(c *gin.Context) {
	start := time.Now()

	var env ingest.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed envelope: " + err.Error()})
		return
	}

	resp, err := ingest.IngestV1(c.Request.Context(), s.db, &env, ingest.Options{
		TriageRules:          s.triageRules,
		TriageCacheAvailable: s.triageCache,
		EnableThreadAffinity: true,
	})
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Fields})
			return
		}
		slog.Error("Ingest failed", "channel", env.Source.Channel, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
		return
	}

	if s.enqueue != nil && !resp.Duplicate {
		if err := s.enqueue(c.Request.Context(), &env, resp); err != nil {
			slog.Warn("Buffer enqueue failed, scanner will recover",
				"request_id", resp.RequestID, "error", err)
		}
	}

	slog.Info("Envelope ingested",
		"request_id", resp.RequestID,
		"duplicate", resp.Duplicate,
		"duration_ms", time.Since(start).Milliseconds())
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var body struct {
		ButlerName string `json:"butler_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ButlerName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "butler_name is required"})
		return
	}

	reg, err := s.registry.RecordHeartbeat(c.Request.Context(), body.ButlerName)
	if err != nil {
		slog.Error("Heartbeat record failed", "butler", body.ButlerName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat record failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "eligibility_state": reg.EligibilityState})
}

func (s *Server) handleGetModuleStates(c *gin.Context) {
	name := c.Param("name")
	if !s.requireButler(c, name) {
		return
	}

	out, err := s.peers.CallToolJSON(c.Request.Context(), name, mcpserver.ToolModuleGetStates, nil)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "butler unreachable: " + name})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSetModuleEnabled(c *gin.Context) {
	name := c.Param("name")
	moduleName := c.Param("module")
	if !s.requireButler(c, name) {
		return
	}

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}

	out, err := s.peers.CallToolJSON(c.Request.Context(), name, mcpserver.ToolModuleSetEnabled,
		map[string]any{"module": moduleName, "enabled": *body.Enabled})
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "unknown module"):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown module: " + moduleName})
		case strings.Contains(err.Error(), "unavailable"):
			c.JSON(http.StatusConflict, gin.H{"error": "module unavailable: " + moduleName})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "butler unreachable: " + name})
		}
		return
	}
	c.JSON(http.StatusOK, out)
}

// requireButler resolves the butler in the registry, writing 404 when absent.
func (s *Server) requireButler(c *gin.Context, name string) bool {
	_, found, err := s.registry.Lookup(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registry lookup failed"})
		return false
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown butler: " + name})
		return false
	}
	return true
}
