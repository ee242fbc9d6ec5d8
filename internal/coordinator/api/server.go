package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/coordinator/relay"
	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/secrets"
)

// Config carries the server's auth material. Empty tokens disable the
// corresponding check, which is only sensible in local development.
type Config struct {
	BearerToken string
	AdminToken  string
}

// Server handles HTTP requests for the coordinator API.
type Server struct {
	store       state.Store
	coordinator *claim.Coordinator
	relay       *relay.Relay
	broker      *secrets.Broker
	cfg         Config
	logger      *slog.Logger

	// last head commit reported per workspace, echoed back on heartbeat
	// for dashboards
	mu          sync.RWMutex
	headCommits map[string]string
}

// NewServer creates a new API server.
func NewServer(
	store state.Store,
	coordinator *claim.Coordinator,
	r *relay.Relay,
	broker *secrets.Broker,
	cfg Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       store,
		coordinator: coordinator,
		relay:       r,
		broker:      broker,
		cfg:         cfg,
		logger:      logger,
		headCommits: make(map[string]string),
	}
}

// RegisterRoutes registers all API endpoints with the Echo router.
// Routes are grouped under /api/v1 for versioning.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/api/v1", s.bearerAuth)

	// Worker routes
	v1.POST("/workers/claim", s.ClaimWorkers)
	v1.PATCH("/workers/:id", s.UpdateWorker)
	v1.POST("/workers/:id/cmd", s.SendCommand)
	v1.POST("/workers/:id/ack", s.AckCommand)
	v1.POST("/workers/heartbeat", s.Heartbeat)
	v1.GET("/workers/secret/:ref", s.RedeemSecret)
	v1.GET("/workers", s.ListWorkers)
	v1.GET("/workers/:id", s.GetWorker)

	// Task routes
	v1.POST("/tasks", s.CreateTask)
	v1.GET("/tasks", s.ListTasks)
	v1.GET("/tasks/:id", s.GetTask)
	v1.POST("/tasks/:id/reassign", s.ReassignTask)
	v1.POST("/tasks/cleanup", s.Cleanup, s.adminAuth)

	// Host routes
	v1.GET("/hosts", s.ListHosts)

	// Secret management (admin)
	v1.POST("/secrets", s.SetSecret, s.adminAuth)
	v1.GET("/secrets", s.ListSecrets, s.adminAuth)
	v1.DELETE("/secrets/:id", s.DeleteSecret, s.adminAuth)
}

// bearerAuth validates the Authorization: Bearer header against the
// configured token.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.BearerToken == "" {
			return next(c)
		}
		if bearerToken(c) != s.cfg.BearerToken && bearerToken(c) != s.cfg.AdminToken {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
		}
		return next(c)
	}
}

// adminAuth additionally requires the admin token.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.AdminToken == "" {
			return next(c)
		}
		if bearerToken(c) != s.cfg.AdminToken {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "admin token required"})
		}
		return next(c)
	}
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func (s *Server) rememberHeadCommit(workspaceID, commit string) {
	if workspaceID == "" || commit == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headCommits[workspaceID] = commit
}

func (s *Server) headCommit(workspaceIDs []string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range workspaceIDs {
		if commit, ok := s.headCommits[id]; ok {
			return commit
		}
	}
	return ""
}
