// orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"geowatch-system/internal/domain"
	"geowatch-system/internal/messaging"
	"geowatch-system/internal/repository"
)

// Orchestrator owns the analysis job lifecycle on the request-serving side:
// placeholder creation, dispatch, completion-report ingestion, and the
// reconciliation sweep. The placeholder-before-dispatch ordering is the one
// concurrency guarantee: the worker only ever sees job ids whose record
// already exists in_progress.
type Orchestrator struct {
	repo         repository.JobRepository
	dispatch     messaging.DispatchClient
	validate     *validator.Validate
	staleTimeout time.Duration
}

func New(repo repository.JobRepository, dispatch messaging.DispatchClient, staleTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		dispatch:     dispatch,
		validate:     validator.New(),
		staleTimeout: staleTimeout,
	}
}

// StartAnalysis creates the in_progress placeholder and hands the descriptor
// to the worker pool. Dispatch does not wait for the job: success means the
// descriptor is queued. A dispatch failure (including a busy pool) finalizes
// the placeholder failed immediately so no record is left in_progress with
// no worker attached.
func (o *Orchestrator) StartAnalysis(ctx context.Context, req *domain.TriggerAnalysisRequest) (*domain.AnalysisJob, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid analysis request: %w", err)
	}
	if err := req.ROI.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis request: %w", err)
	}

	job := &domain.AnalysisJob{
		ID:        uuid.NewString(),
		AreaID:    req.AreaID,
		ClassType: req.ClassType,
		Status:    domain.JobStatusInProgress,
	}

	// The placeholder must be durably visible before dispatch.
	if err := o.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job placeholder: %w", err)
	}
	log.Printf("Created analysis placeholder %s for area %s", job.ID, job.AreaID)

	desc := &domain.JobDescriptor{
		JobID:      job.ID,
		AreaID:     req.AreaID,
		ROI:        req.ROI,
		ClassType:  req.ClassType,
		IsBaseline: req.IsBaseline,
	}

	if err := o.dispatch.PublishJob(ctx, desc); err != nil {
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if errors.Is(err, domain.ErrDispatchBusy) {
			msg = "worker pool busy, retry the analysis later"
		}
		log.Printf("Dispatch failed for job %s: %v", job.ID, err)

		if _, finErr := o.repo.FinalizeJob(ctx, domain.FailedReport(job.ID, msg)); finErr != nil {
			// The placeholder is stuck in_progress; the reconciliation
			// sweep will catch it.
			log.Printf("Failed to finalize job %s after dispatch failure: %v", job.ID, finErr)
		}

		job.Status = domain.JobStatusFailed
		job.Error = msg
		return job, nil
	}

	log.Printf("Job %s dispatched for area %s (class=%s, baseline=%v)",
		job.ID, job.AreaID, job.ClassType, desc.IsBaseline)
	return job, nil
}

// ReceiveCompletionReport finalizes the placeholder named by the report. A
// report for an already-terminal record is a safe no-op, which makes
// duplicate and retried deliveries harmless.
func (o *Orchestrator) ReceiveCompletionReport(ctx context.Context, rep *domain.CompletionReport) error {
	if err := o.validate.Struct(rep); err != nil {
		return fmt.Errorf("invalid completion report: %w", err)
	}
	if rep.Status == domain.JobStatusFailed && rep.ErrorMessage == "" {
		return errors.New("invalid completion report: failed status without error message")
	}

	applied, err := o.repo.FinalizeJob(ctx, rep)
	if err != nil {
		return err
	}

	if !applied {
		log.Printf("Duplicate completion report for job %s ignored (already terminal)", rep.JobID)
		return nil
	}

	log.Printf("Job %s finalized as %s", rep.JobID, rep.Status)
	return nil
}

// GetJob returns the record for a job id.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	return o.repo.GetJob(ctx, id)
}

// ListJobs returns recent records, optionally filtered by area.
func (o *Orchestrator) ListJobs(ctx context.Context, areaID string, limit int) ([]domain.AnalysisJob, error) {
	return o.repo.ListJobs(ctx, areaID, limit)
}

// RunSweeper periodically finalizes placeholders whose worker never
// reported back, so a lost report leaves no record in_progress forever.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.Sweep(ctx); err != nil {
				log.Printf("Reconciliation sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Reconciliation sweep finalized %d stale jobs", n)
			}
		}
	}
}

// Sweep finalizes every in_progress record older than the stale timeout.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-o.staleTimeout)

	stale, err := o.repo.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range stale {
		msg := fmt.Sprintf("no completion report received within %s, job presumed lost", o.staleTimeout)
		applied, err := o.repo.FinalizeJob(ctx, domain.FailedReport(job.ID, msg))
		if err != nil {
			log.Printf("Sweep: failed to finalize stale job %s: %v", job.ID, err)
			continue
		}
		if applied {
			swept++
		}
	}
	return swept, nil
}
