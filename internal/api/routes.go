package api

import (
	"github.com/gin-gonic/gin"

	"github.com/teeplatform/validator-coordinator/internal/metrics"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", s.Health.GetHealth)
		health.GET("/live", s.Health.GetHealthLiveness)
		health.GET("/ready", s.Health.GetHealthReadiness)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/ws", func(c *gin.Context) { s.Hub.ServeWS(c.Writer, c.Request) })

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.Jobs.CreateJob)
			jobs.GET("/stats", s.Jobs.Stats)
			jobs.GET("/pending", s.Jobs.Pending)
			jobs.GET("/next", s.Jobs.Next)
			jobs.POST("/claim", s.Jobs.Claim)
			jobs.GET("/:id", s.Jobs.GetJob)
			jobs.POST("/:id/complete", s.Jobs.CompleteJob)
			jobs.POST("/:id/fail", s.Jobs.FailJob)
			jobs.GET("/:id/progress", s.Jobs.GetProgress)
			jobs.GET("/:id/test-results", s.Jobs.GetTestResults)
		}

		challenges := v1.Group("/challenges")
		{
			challenges.GET("/active", s.Challenges.ListActive)
		}
	}
}
