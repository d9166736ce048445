package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geowatch-system/internal/domain"
	"geowatch-system/pkg/raster"
)

// memoryRepository is the in-memory stand-in for the document store, with the
// same conditional-finalize semantics as the production repository.
type memoryRepository struct {
	mu        sync.Mutex
	jobs      map[string]*domain.AnalysisJob
	createErr error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{jobs: make(map[string]*domain.AnalysisJob)}
}

func (m *memoryRepository) CreateJob(ctx context.Context, job *domain.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}

	job.CreatedAt = time.Now()
	job.UpdatedAt = time.Now()
	job.Status = domain.JobStatusInProgress

	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

func (m *memoryRepository) GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memoryRepository) ListJobs(ctx context.Context, areaID string, limit int) ([]domain.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AnalysisJob
	for _, job := range m.jobs {
		if areaID != "" && job.AreaID != areaID {
			continue
		}
		out = append(out, *job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryRepository) FinalizeJob(ctx context.Context, report *domain.CompletionReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[report.JobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}

	now := time.Now()
	job.Status = report.Status
	job.UpdatedAt = now
	if report.Status == domain.JobStatusCompleted {
		job.CompletedAt = &now
		job.Artifacts = report.Artifacts
		job.Metrics = report.Metrics
		job.Bounds = report.Bounds
	} else {
		job.Error = report.ErrorMessage
	}
	return true, nil
}

func (m *memoryRepository) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]domain.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AnalysisJob
	for _, job := range m.jobs {
		if job.Status == domain.JobStatusInProgress && job.CreatedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

type fakeDispatch struct {
	mu         sync.Mutex
	published  []*domain.JobDescriptor
	publishErr error
}

func (f *fakeDispatch) PublishJob(ctx context.Context, desc *domain.JobDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, desc)
	return nil
}

func (f *fakeDispatch) SubscribeToJobs(ctx context.Context, handler func(desc *domain.JobDescriptor)) error {
	return nil
}

func (f *fakeDispatch) HealthCheck() error { return nil }
func (f *fakeDispatch) Close() error       { return nil }

func validRequest() *domain.TriggerAnalysisRequest {
	return &domain.TriggerAnalysisRequest{
		AreaID:    "area-42",
		ClassType: "forest",
		ROI: raster.Polygon{
			{10.0, 50.0}, {10.01, 50.0}, {10.01, 50.01}, {10.0, 50.01}, {10.0, 50.0},
		},
	}
}

func TestStartAnalysisDispatchesAfterPlaceholder(t *testing.T) {
	repo := newMemoryRepository()
	dispatch := &fakeDispatch{}
	orch := New(repo, dispatch, 2*time.Hour)

	job, err := orch.StartAnalysis(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobStatusInProgress, job.Status)

	// The placeholder record exists and is in_progress.
	stored, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, stored.Status)
	assert.Equal(t, "area-42", stored.AreaID)

	// The descriptor that went out names the placeholder.
	require.Len(t, dispatch.published, 1)
	assert.Equal(t, job.ID, dispatch.published[0].JobID)
	assert.Equal(t, "forest", dispatch.published[0].ClassType)
}

func TestStartAnalysisRejectsInvalidRequest(t *testing.T) {
	repo := newMemoryRepository()
	orch := New(repo, &fakeDispatch{}, 2*time.Hour)

	tests := []struct {
		name   string
		mutate func(*domain.TriggerAnalysisRequest)
	}{
		{"missing area", func(r *domain.TriggerAnalysisRequest) { r.AreaID = "" }},
		{"unknown class type", func(r *domain.TriggerAnalysisRequest) { r.ClassType = "lava" }},
		{"degenerate roi", func(r *domain.TriggerAnalysisRequest) {
			r.ROI = raster.Polygon{{10.0, 50.0}, {10.01, 50.0}, {10.0, 50.0}}
		}},
		{"coordinate out of range", func(r *domain.TriggerAnalysisRequest) {
			r.ROI[0][1] = 91.0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			_, err := orch.StartAnalysis(context.Background(), req)
			assert.Error(t, err)
			// Nothing was persisted for a rejected request.
			assert.Empty(t, repo.jobs)
		})
	}
}

func TestStartAnalysisBusyDispatchFailsPlaceholder(t *testing.T) {
	repo := newMemoryRepository()
	dispatch := &fakeDispatch{publishErr: domain.ErrDispatchBusy}
	orch := New(repo, dispatch, 2*time.Hour)

	job, err := orch.StartAnalysis(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "busy")

	// The record is terminal, not stuck in_progress. A failure never gets a
	// completion timestamp.
	stored, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
	assert.Nil(t, stored.CompletedAt)
}

func TestStartAnalysisDispatchErrorFailsPlaceholder(t *testing.T) {
	repo := newMemoryRepository()
	dispatch := &fakeDispatch{publishErr: errors.New("stream gone")}
	orch := New(repo, dispatch, 2*time.Hour)

	job, err := orch.StartAnalysis(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, job.Status)

	stored, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "dispatch failed")
}

func TestReceiveCompletionReportFinalizesOnce(t *testing.T) {
	repo := newMemoryRepository()
	orch := New(repo, &fakeDispatch{}, 2*time.Hour)

	job, err := orch.StartAnalysis(context.Background(), validRequest())
	require.NoError(t, err)

	report := domain.CompletedReport(job.ID,
		&domain.ArtifactURLs{ChangeVisual: "https://example.com/change.png"},
		&domain.AnalysisMetrics{AnalysisType: "forest", LossPct: 12.5},
		[]float64{10.0, 50.0, 10.01, 50.01})

	require.NoError(t, orch.ReceiveCompletionReport(context.Background(), report))

	stored, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 12.5, stored.Metrics.LossPct)
	require.NotNil(t, stored.CompletedAt)

	firstCompletedAt := *stored.CompletedAt

	// A duplicate delivery is accepted but changes nothing.
	require.NoError(t, orch.ReceiveCompletionReport(context.Background(), report))

	again, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, again.Status)
	assert.Equal(t, firstCompletedAt, *again.CompletedAt)

	// So is a conflicting late failure report.
	require.NoError(t, orch.ReceiveCompletionReport(context.Background(),
		domain.FailedReport(job.ID, "late failure")))

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Empty(t, final.Error)
}

func TestReceiveCompletionReportValidation(t *testing.T) {
	orch := New(newMemoryRepository(), &fakeDispatch{}, 2*time.Hour)

	err := orch.ReceiveCompletionReport(context.Background(),
		&domain.CompletionReport{JobID: "x", Status: domain.JobStatusFailed})
	assert.Error(t, err, "failed report without error message must be rejected")

	err = orch.ReceiveCompletionReport(context.Background(),
		&domain.CompletionReport{Status: domain.JobStatusCompleted})
	assert.Error(t, err, "report without job id must be rejected")
}

func TestReceiveCompletionReportUnknownJob(t *testing.T) {
	orch := New(newMemoryRepository(), &fakeDispatch{}, 2*time.Hour)

	err := orch.ReceiveCompletionReport(context.Background(),
		domain.FailedReport("no-such-job", "boom"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSweepFinalizesStaleJobs(t *testing.T) {
	repo := newMemoryRepository()
	orch := New(repo, &fakeDispatch{}, time.Hour)

	// One stale placeholder, one fresh, one already terminal.
	stale := &domain.AnalysisJob{ID: "stale", AreaID: "a"}
	require.NoError(t, repo.CreateJob(context.Background(), stale))
	repo.jobs["stale"].CreatedAt = time.Now().Add(-3 * time.Hour)

	fresh := &domain.AnalysisJob{ID: "fresh", AreaID: "a"}
	require.NoError(t, repo.CreateJob(context.Background(), fresh))

	done := &domain.AnalysisJob{ID: "done", AreaID: "a"}
	require.NoError(t, repo.CreateJob(context.Background(), done))
	repo.jobs["done"].CreatedAt = time.Now().Add(-3 * time.Hour)
	_, err := repo.FinalizeJob(context.Background(), domain.CompletedReport("done", nil, nil, nil))
	require.NoError(t, err)

	n, err := orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sweptJob, err := repo.GetJob(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, sweptJob.Status)
	assert.Contains(t, sweptJob.Error, "presumed lost")

	freshJob, err := repo.GetJob(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, freshJob.Status)
}
