// Package dispatch implements the Dispatch Fabric: routing jobs to eligible
// validators and backhauling their results to the job state machine and the
// originating challenge's return address.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/jobs"
	"github.com/teeplatform/validator-coordinator/internal/logging"
	"github.com/teeplatform/validator-coordinator/internal/metrics"
	"github.com/teeplatform/validator-coordinator/internal/registry"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// Registry is the subset of *registry.Registry the fabric consumes.
type Registry interface {
	ActiveValidatorsFor(composeHash string) []string
	ValidatorCount(composeHash string) int
	Send(hotkey string, wireMessage []byte) registry.SendResult
}

// DistributeResult mirrors the original distributor's response shape.
type DistributeResult struct {
	JobID              string   `json:"job_id"`
	Distributed        bool     `json:"distributed"`
	ValidatorCount     int      `json:"validator_count"`
	AssignedValidators []string `json:"assigned_validators"`
}

// ResultForwarder delivers a completed job's payload to its originating
// challenge; the WebSocket layer resolves what a "return address" means.
type ResultForwarder interface {
	Forward(ctx context.Context, returnAddress string, payload []byte) error
}

// HTTPResultForwarder posts the result payload to an HTTP return address —
// the default forwarder when a challenge registers a webhook URL instead of
// a live WebSocket connection.
type HTTPResultForwarder struct {
	Client *http.Client
}

func NewHTTPResultForwarder() *HTTPResultForwarder {
	return &HTTPResultForwarder{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *HTTPResultForwarder) Forward(ctx context.Context, returnAddress string, payload []byte) error {
	if returnAddress == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, returnAddress, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("forward result: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// Fabric selects eligible validators and pushes job_execute frames, then
// resolves job completion as results arrive.
type Fabric struct {
	registry  Registry
	machine   *jobs.Machine
	forwarder ResultForwarder
}

func NewFabric(reg Registry, machine *jobs.Machine, forwarder ResultForwarder) *Fabric {
	if forwarder == nil {
		forwarder = NewHTTPResultForwarder()
	}
	return &Fabric{registry: reg, machine: machine, forwarder: forwarder}
}

// Distribute snapshots the eligible validators for job_spec's compose hash,
// builds one job_execute frame, and sends it to each. The first accepted
// send anchors the job cache entry's transition to Running.
func (f *Fabric) Distribute(ctx context.Context, spec models.JobSpec) (*DistributeResult, error) {
	validatorCount := f.registry.ValidatorCount(spec.ComposeHash)
	if validatorCount == 0 {
		logging.L().Warn().Str("job_id", spec.JobID).Str("compose_hash", spec.ComposeHash).Msg("dispatch: no active validators available")
		metrics.DispatchNoEligibleTotal.Inc()
		f.machine.SetCacheEntry(&models.JobCacheEntry{JobID: spec.JobID, Status: models.JobFailed, ReturnAddress: spec.ReturnAddress, LastTransitionAt: time.Now().UTC()})
		return &DistributeResult{JobID: spec.JobID, Distributed: false, ValidatorCount: 0}, nil
	}

	activeValidators := f.registry.ActiveValidatorsFor(spec.ComposeHash)
	if len(activeValidators) == 0 {
		metrics.DispatchNoEligibleTotal.Inc()
		f.machine.SetCacheEntry(&models.JobCacheEntry{JobID: spec.JobID, Status: models.JobFailed, ReturnAddress: spec.ReturnAddress, LastTransitionAt: time.Now().UTC()})
		return &DistributeResult{JobID: spec.JobID, Distributed: false, ValidatorCount: validatorCount}, nil
	}

	f.machine.SetCacheEntry(&models.JobCacheEntry{JobID: spec.JobID, Status: models.JobPending, ReturnAddress: spec.ReturnAddress, LastTransitionAt: time.Now().UTC()})

	frame := map[string]any{
		"type":         "job_execute",
		"job_id":       spec.JobID,
		"job_name":     spec.JobName,
		"payload":      json.RawMessage(spec.Payload),
		"challenge_id": spec.ChallengeID,
		"compose_hash": spec.ComposeHash,
	}
	wireMessage, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("serialize job_execute frame: %w", err)
	}

	var assigned []string
	for _, hotkey := range activeValidators {
		res := f.registry.Send(hotkey, wireMessage)
		if res != registry.SendOK {
			logging.L().Warn().Str("job_id", spec.JobID).Str("hotkey", hotkey).Str("result", string(res)).Msg("dispatch: failed to send job to validator")
			continue
		}
		assigned = append(assigned, hotkey)
		logging.L().Info().Str("job_id", spec.JobID).Str("hotkey", hotkey).Msg("dispatch: sent job to validator")
	}

	if len(assigned) == 0 {
		f.machine.SetCacheEntry(&models.JobCacheEntry{JobID: spec.JobID, Status: models.JobFailed, ReturnAddress: spec.ReturnAddress, LastTransitionAt: time.Now().UTC()})
		return &DistributeResult{JobID: spec.JobID, Distributed: false, ValidatorCount: validatorCount}, nil
	}

	f.machine.SetCacheEntry(&models.JobCacheEntry{
		JobID:              spec.JobID,
		Status:             models.JobRunning,
		AssignedValidators: assigned,
		ReturnAddress:      spec.ReturnAddress,
		LastTransitionAt:   time.Now().UTC(),
	})
	metrics.DispatchJobsDistributedTotal.Inc()

	return &DistributeResult{
		JobID:              spec.JobID,
		Distributed:        true,
		ValidatorCount:     validatorCount,
		AssignedValidators: assigned,
	}, nil
}

// ForwardResult resolves a validator's job_result frame: transitions the job
// (first arrival wins; subsequent results for the same job are absorbed
// without error) and forwards the payload to the job's return address.
func (f *Fabric) ForwardResult(ctx context.Context, jobID string, result json.RawMessage, errMsg string) error {
	entry, ok := f.machine.CacheEntry(jobID)
	if !ok {
		return apperrors.UnknownJob(jobID)
	}
	if entry.Status == models.JobCompleted {
		return nil
	}

	var job *models.Job
	var err error
	if errMsg != "" {
		job, err = f.machine.Fail(ctx, jobID, errMsg)
	} else {
		job, err = f.machine.Complete(ctx, jobID, result)
	}
	if err != nil {
		return err
	}

	if job.Status == models.JobCompleted && entry.ReturnAddress != "" {
		payload, marshalErr := json.Marshal(map[string]any{"job_id": jobID, "result": result})
		if marshalErr != nil {
			return fmt.Errorf("marshal forwarded result: %w", marshalErr)
		}
		if fwdErr := f.forwarder.Forward(ctx, entry.ReturnAddress, payload); fwdErr != nil {
			logging.L().Warn().Err(fwdErr).Str("job_id", jobID).Msg("dispatch: failed to forward result to return address")
		}
	}
	return nil
}
