package repository

import (
	"context"
	"fmt"
	"time"

	"geowatch-system/internal/domain"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// JobRepository stores analysis job records. The document store is generic;
// the RethinkDB implementation below is the production one, tests use an
// in-memory fake.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.AnalysisJob) error
	GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error)
	ListJobs(ctx context.Context, areaID string, limit int) ([]domain.AnalysisJob, error)

	// FinalizeJob applies the in_progress -> terminal transition carried by
	// the report. It returns true when the transition was applied and false
	// when the record was already terminal (idempotent no-op). A missing
	// record is domain.ErrJobNotFound.
	FinalizeJob(ctx context.Context, report *domain.CompletionReport) (bool, error)

	// ListStaleJobs returns in_progress records created before the cutoff,
	// for the reconciliation sweep.
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]domain.AnalysisJob, error)
}

type rethinkDBRepository struct {
	session *r.Session
	table   string
}

func NewJobRepository(session *r.Session, table string) JobRepository {
	return &rethinkDBRepository{
		session: session,
		table:   table,
	}
}

func (repo *rethinkDBRepository) CreateJob(ctx context.Context, job *domain.AnalysisJob) error {
	job.CreatedAt = time.Now()
	job.UpdatedAt = time.Now()
	job.Status = domain.JobStatusInProgress

	result, err := r.Table(repo.table).Insert(job).RunWrite(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if len(result.GeneratedKeys) > 0 {
		job.ID = result.GeneratedKeys[0]
	}

	return nil
}

func (repo *rethinkDBRepository) GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	cursor, err := r.Table(repo.table).Get(id).Run(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return nil, domain.ErrJobNotFound
	}

	var job domain.AnalysisJob
	if err := cursor.One(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	return &job, nil
}

func (repo *rethinkDBRepository) ListJobs(ctx context.Context, areaID string, limit int) ([]domain.AnalysisJob, error) {
	term := r.Table(repo.table)
	if areaID != "" {
		term = term.Filter(r.Row.Field("area_id").Eq(areaID))
	}

	cursor, err := term.
		OrderBy(r.Desc("created_at")).
		Limit(limit).
		Run(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer cursor.Close()

	var jobs []domain.AnalysisJob
	if err := cursor.All(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	return jobs, nil
}

func (repo *rethinkDBRepository) FinalizeJob(ctx context.Context, report *domain.CompletionReport) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"status":     report.Status,
		"updated_at": now,
	}
	if report.Status == domain.JobStatusCompleted {
		updates["completed_at"] = now
		updates["artifacts"] = report.Artifacts
		updates["metrics"] = report.Metrics
		updates["bounds"] = report.Bounds
	} else {
		updates["error"] = report.ErrorMessage
	}

	// The transition is guarded server-side: only an in_progress record is
	// touched, so a duplicate report leaves the row unchanged.
	result, err := r.Table(repo.table).Get(report.JobID).Update(func(row r.Term) any {
		return r.Branch(
			row.Field("status").Eq(string(domain.JobStatusInProgress)),
			updates,
			nil,
		)
	}).RunWrite(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return false, fmt.Errorf("failed to finalize job %s: %w", report.JobID, err)
	}

	if result.Skipped > 0 {
		return false, domain.ErrJobNotFound
	}

	return result.Replaced > 0, nil
}

func (repo *rethinkDBRepository) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]domain.AnalysisJob, error) {
	cursor, err := r.Table(repo.table).
		Filter(r.Row.Field("status").Eq(string(domain.JobStatusInProgress)).
			And(r.Row.Field("created_at").Lt(cutoff))).
		Run(repo.session, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer cursor.Close()

	var jobs []domain.AnalysisJob
	if err := cursor.All(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode stale jobs: %w", err)
	}

	return jobs, nil
}
