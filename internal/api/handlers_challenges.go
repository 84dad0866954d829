package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teeplatform/validator-coordinator/internal/challenge"
)

// ChallengesHandler exposes the in-memory challenge registry's read path.
// Non-goal "challenge-builder CRUD" keeps create/update off this surface.
type ChallengesHandler struct {
	registry *challenge.Registry
}

func NewChallengesHandler(registry *challenge.Registry) *ChallengesHandler {
	return &ChallengesHandler{registry: registry}
}

// ListActive handles GET /challenges/active.
func (h *ChallengesHandler) ListActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"challenges": h.registry.Snapshot()})
}
