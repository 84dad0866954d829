package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teeplatform/validator-coordinator/internal/api/middleware"
	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/challenge"
	"github.com/teeplatform/validator-coordinator/internal/dispatch"
	"github.com/teeplatform/validator-coordinator/internal/jobs"
	"github.com/teeplatform/validator-coordinator/internal/progresscache"
	"github.com/teeplatform/validator-coordinator/internal/store"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// JobsHandler is the challenge-facing REST surface over the Job State
// Machine and Dispatch Fabric, per §6's representative endpoint table.
type JobsHandler struct {
	machine      *jobs.Machine
	fabric       *dispatch.Fabric
	challenges   *challenge.Registry
	progress     *progresscache.Cache
	testResults  *store.JobTestResultsRepo
	defaultTimeout time.Duration
}

func NewJobsHandler(machine *jobs.Machine, fabric *dispatch.Fabric, challenges *challenge.Registry, progress *progresscache.Cache, testResults *store.JobTestResultsRepo, defaultTimeout time.Duration) *JobsHandler {
	return &JobsHandler{
		machine:        machine,
		fabric:         fabric,
		challenges:     challenges,
		progress:       progress,
		testResults:    testResults,
		defaultTimeout: defaultTimeout,
	}
}

type createJobRequest struct {
	ChallengeID   string          `json:"challenge_id"`
	Payload       json.RawMessage `json:"payload"`
	Priority      string          `json:"priority"`
	Runtime       string          `json:"runtime"`
	TimeoutSecs   int             `json:"timeout"`
	MaxRetries    int             `json:"max_retries"`
	ReturnAddress string          `json:"return_address"`
}

// CreateJob handles POST /jobs.
func (h *JobsHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("malformed request body"))
		return
	}
	if req.ChallengeID == "" || req.Runtime == "" {
		middleware.HandleError(c, apperrors.NewValidationError("challenge_id and runtime are required"))
		return
	}

	composeHash, ok := h.challenges.ComposeHashFor(req.ChallengeID)
	if !ok {
		middleware.HandleError(c, apperrors.NewNotFoundError("challenge"))
		return
	}

	priority := models.PriorityNormal
	if req.Priority != "" {
		priority = models.JobPriority(req.Priority)
	}
	timeout := h.defaultTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}
	maxRetries := req.MaxRetries

	ctx := c.Request.Context()
	job, err := h.machine.Create(ctx, req.ChallengeID, req.Payload, priority, req.Runtime, timeout, maxRetries, req.ReturnAddress)
	if err != nil {
		middleware.HandleError(c, err)
		return
	}

	spec := models.JobSpec{
		JobID:         job.ID,
		JobName:       req.Runtime,
		Payload:       req.Payload,
		ComposeHash:   composeHash,
		ChallengeID:   req.ChallengeID,
		ReturnAddress: req.ReturnAddress,
	}
	if _, err := h.fabric.Distribute(ctx, spec); err != nil {
		middleware.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /jobs/{id}.
func (h *JobsHandler) GetJob(c *gin.Context) {
	job, err := h.machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type terminalOutcomeRequest struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// CompleteJob handles POST /jobs/{id}/complete.
func (h *JobsHandler) CompleteJob(c *gin.Context) {
	var req terminalOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("malformed request body"))
		return
	}
	job, err := h.machine.Complete(c.Request.Context(), c.Param("id"), req.Result)
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// FailJob handles POST /jobs/{id}/fail.
func (h *JobsHandler) FailJob(c *gin.Context) {
	var req terminalOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("malformed request body"))
		return
	}
	job, err := h.machine.Fail(c.Request.Context(), c.Param("id"), req.Error)
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetProgress handles GET /jobs/{id}/progress.
func (h *JobsHandler) GetProgress(c *gin.Context) {
	doc, ok, err := h.progress.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	if !ok {
		middleware.HandleError(c, apperrors.NewNotFoundError("progress document"))
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// GetTestResults handles GET /jobs/{id}/test-results?limit=N.
func (h *JobsHandler) GetTestResults(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	results, err := h.testResults.ListByJobID(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		middleware.HandleError(c, apperrors.NewStorageError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "limit": limit})
}

// Stats handles GET /jobs/stats.
func (h *JobsHandler) Stats(c *gin.Context) {
	stats, err := h.machine.Stats(c.Request.Context())
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Pending handles GET /jobs/pending.
func (h *JobsHandler) Pending(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	pending, err := h.machine.ListPending(c.Request.Context(), limit)
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": pending})
}

// Next handles GET /jobs/next, peeking at the head of the pending queue
// without claiming it.
func (h *JobsHandler) Next(c *gin.Context) {
	pending, err := h.machine.ListPending(c.Request.Context(), 1)
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	if len(pending) == 0 {
		middleware.HandleError(c, apperrors.NewNotFoundError("pending job"))
		return
	}
	c.JSON(http.StatusOK, pending[0])
}

type claimRequest struct {
	Validator string `json:"validator"`
	JobID     string `json:"job_id"`
}

// Claim handles POST /jobs/claim.
func (h *JobsHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("malformed request body"))
		return
	}
	if req.Validator == "" {
		middleware.HandleError(c, apperrors.NewValidationError("validator is required"))
		return
	}

	var job *models.Job
	var err error
	if req.JobID != "" {
		job, err = h.machine.ClaimSpecific(c.Request.Context(), req.JobID, req.Validator)
	} else {
		job, err = h.machine.Claim(c.Request.Context(), req.Validator)
	}
	if err != nil {
		middleware.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
