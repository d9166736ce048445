package domain

import "errors"

// Failure taxonomy shared by the orchestrator and worker. Pipeline packages
// define their own sentinels (sentinel.ErrNoAcquisitionAvailable,
// landcover.ErrInsufficientValidData); the protocol-level ones live here.
var (
	// ErrDispatchBusy means the worker pool's dispatch backlog is full. The
	// orchestrator finalizes the placeholder failed with a retryable
	// message instead of leaving it in_progress.
	ErrDispatchBusy = errors.New("worker pool busy, dispatch backlog full")

	// ErrMalformedDescriptor means a job descriptor failed structural
	// validation at worker ingress. No pipeline starts and no completion
	// report is sent.
	ErrMalformedDescriptor = errors.New("malformed job descriptor")

	// ErrPublish wraps artifact write failures. The job fails and no
	// partially-written artifact is referenced by the report.
	ErrPublish = errors.New("artifact publish failed")

	// ErrReportDelivery means the completion report could not reach the
	// orchestrator after all retries. The job id is logged as orphaned.
	ErrReportDelivery = errors.New("completion report delivery failed")

	// ErrJobNotFound means no analysis job record exists for the id.
	ErrJobNotFound = errors.New("analysis job not found")
)
