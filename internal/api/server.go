// Package api is the challenge-facing REST surface: job lifecycle and
// challenge-registry read endpoints, wired together the way the teacher's
// internal/api.NewAPIServer/SetupRoutes assemble their handlers and
// middleware chain.
package api

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/teeplatform/validator-coordinator/internal/api/middleware"
	"github.com/teeplatform/validator-coordinator/internal/challenge"
	"github.com/teeplatform/validator-coordinator/internal/dispatch"
	"github.com/teeplatform/validator-coordinator/internal/jobs"
	"github.com/teeplatform/validator-coordinator/internal/metrics"
	"github.com/teeplatform/validator-coordinator/internal/progresscache"
	"github.com/teeplatform/validator-coordinator/internal/store"
	"github.com/teeplatform/validator-coordinator/internal/wsvalidator"
)

// Server holds every dependency the HTTP surface and the validator WebSocket
// hub need, and builds the gin.Engine that serves both.
type Server struct {
	Jobs       *JobsHandler
	Challenges *ChallengesHandler
	Health     *HealthHandler
	Hub        *wsvalidator.Hub
}

// NewServer wires the REST handlers from already-constructed components;
// cmd/coordinator owns constructing the components themselves.
func NewServer(db *sql.DB, machine *jobs.Machine, fabric *dispatch.Fabric, challenges *challenge.Registry, progress *progresscache.Cache, testResults *store.JobTestResultsRepo, hub *wsvalidator.Hub, jobTimeout time.Duration) *Server {
	return &Server{
		Jobs:       NewJobsHandler(machine, fabric, challenges, progress, testResults, jobTimeout),
		Challenges: NewChallengesHandler(challenges),
		Health:     NewHealthHandler(db),
		Hub:        hub,
	}
}

// Router assembles the gin.Engine: middleware chain first, then routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(otelgin.Middleware("validator-coordinator"))
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORS())
	r.Use(middleware.ValidateJSON())
	r.Use(metrics.GinMiddleware())

	s.registerRoutes(r)
	return r
}
