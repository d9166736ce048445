// worker/worker.go
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"geowatch-system/internal/artifact"
	"geowatch-system/internal/domain"
	"geowatch-system/internal/messaging"
	"geowatch-system/pkg/landcover"
	"geowatch-system/pkg/raster"
	"geowatch-system/pkg/sentinel"
)

// AcquisitionSelector picks the two acquisitions for a job.
type AcquisitionSelector interface {
	SelectCurrent(ctx context.Context, roi raster.Polygon) (*sentinel.Acquisition, error)
	SelectBaseline(ctx context.Context, roi raster.Polygon, currentDate time.Time) (*sentinel.Acquisition, error)
}

// RasterClassifier turns one acquisition into a classification.
type RasterClassifier interface {
	Classify(acq *sentinel.Acquisition, classType landcover.ClassType) (*landcover.Classification, error)
}

// ArtifactPublisher writes the computed rasters and returns their locations.
type ArtifactPublisher interface {
	Publish(ctx context.Context, in artifact.Input) (*domain.ArtifactURLs, raster.BoundingBox, error)
}

// Reporter delivers the completion report to the orchestrator.
type Reporter interface {
	SendReport(ctx context.Context, rep *domain.CompletionReport) error
}

// ChangeFunc computes the change raster and statistics. Injectable so tests
// can fail the stage; production wires landcover.ComputeChange.
type ChangeFunc func(baseline, current *landcover.Classification, grid raster.Grid) (*landcover.ChangeRaster, *landcover.Statistics, error)

// Worker runs accepted job descriptors through the full pipeline and
// reports exactly one outcome per job. There is no code path that leaves an
// accepted job silently abandoned: every stage failure, and any panic,
// becomes a failed report.
type Worker struct {
	id         string
	selector   AcquisitionSelector
	classifier RasterClassifier
	change     ChangeFunc
	publisher  ArtifactPublisher
	reporter   Reporter
	msgClient  messaging.DispatchClient
	validate   *validator.Validate
	jobTimeout time.Duration

	stopChan   chan struct{}
	wg         sync.WaitGroup
	isRunning  atomic.Bool
	processed  atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
	processing atomic.Int32
}

func NewWorker(id string, selector AcquisitionSelector, classifier RasterClassifier,
	publisher ArtifactPublisher, reporter Reporter, msgClient messaging.DispatchClient,
	jobTimeout time.Duration) *Worker {

	return &Worker{
		id:         id,
		selector:   selector,
		classifier: classifier,
		change:     landcover.ComputeChange,
		publisher:  publisher,
		reporter:   reporter,
		msgClient:  msgClient,
		validate:   validator.New(),
		jobTimeout: jobTimeout,
		stopChan:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.isRunning.Store(true)
	log.Printf("Worker %s starting...", w.id)

	if err := w.msgClient.SubscribeToJobs(ctx, w.HandleJob); err != nil {
		return fmt.Errorf("failed to subscribe to jobs: %w", err)
	}

	go w.runMonitor(ctx)

	<-w.stopChan
	w.isRunning.Store(false)

	// Wait out in-flight jobs so their reports still go out.
	w.wg.Wait()

	log.Printf("Worker %s stopped. Stats: processed=%d, failed=%d, rejected=%d",
		w.id, w.processed.Load(), w.failed.Load(), w.rejected.Load())
	return nil
}

func (w *Worker) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("Worker %s stats: %+v", w.id, w.GetStats())
		case <-w.stopChan:
			return
		}
	}
}

// HandleJob is the dispatch-queue callback: defensive descriptor validation
// first, then the report-or-bust run.
func (w *Worker) HandleJob(desc *domain.JobDescriptor) {
	w.wg.Add(1)
	w.processing.Add(1)
	defer func() {
		w.processing.Add(-1)
		w.wg.Done()
	}()

	// A malformed descriptor never had a valid placeholder behind it: it is
	// rejected here with no pipeline run and no completion report.
	if err := w.validateDescriptor(desc); err != nil {
		log.Printf("Worker %s rejecting job: %v", w.id, err)
		w.rejected.Add(1)
		return
	}

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	rep := w.executeJob(ctx, desc)

	duration := time.Since(start)
	if rep.Status == domain.JobStatusFailed {
		log.Printf("Worker %s failed job %s after %v: %s", w.id, desc.JobID, duration, rep.ErrorMessage)
		w.failed.Add(1)
	} else {
		log.Printf("Worker %s completed job %s in %v", w.id, desc.JobID, duration)
		w.processed.Add(1)
	}

	// Report delivery outlives the job timeout: an analysis that timed out
	// still owes the orchestrator its failure report.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer reportCancel()

	if err := w.reporter.SendReport(reportCtx, rep); err != nil {
		log.Printf("Worker %s: ORPHANED job %s, report undeliverable: %v", w.id, desc.JobID, err)
	}
}

func (w *Worker) validateDescriptor(desc *domain.JobDescriptor) error {
	if desc == nil {
		return domain.ErrMalformedDescriptor
	}
	if err := w.validate.Struct(desc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedDescriptor, err)
	}
	if err := desc.ROI.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedDescriptor, err)
	}
	return nil
}

// executeJob always returns a report: success with the full payload, or
// failure with a human-readable message. Panics inside the pipeline are
// converted to failed reports.
func (w *Worker) executeJob(ctx context.Context, desc *domain.JobDescriptor) (rep *domain.CompletionReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %s panic in job %s: %v", w.id, desc.JobID, r)
			rep = domain.FailedReport(desc.JobID, fmt.Sprintf("analysis panicked: %v", r))
		}
	}()

	artifacts, metrics, bounds, err := w.runPipeline(ctx, desc)
	if err != nil {
		return domain.FailedReport(desc.JobID, fmt.Sprintf("analysis error: %v", err))
	}
	return domain.CompletedReport(desc.JobID, artifacts, metrics, bounds.AsSlice())
}

func (w *Worker) runPipeline(ctx context.Context, desc *domain.JobDescriptor) (*domain.ArtifactURLs, *domain.AnalysisMetrics, raster.BoundingBox, error) {
	var zero raster.BoundingBox

	classType, err := landcover.ParseClassType(desc.ClassType)
	if err != nil {
		return nil, nil, zero, err
	}

	current, err := w.selector.SelectCurrent(ctx, desc.ROI)
	if err != nil {
		return nil, nil, zero, fmt.Errorf("current acquisition: %w", err)
	}

	baseline, err := w.selector.SelectBaseline(ctx, desc.ROI, current.Date)
	if err != nil {
		return nil, nil, zero, fmt.Errorf("baseline acquisition: %w", err)
	}

	if baseline.Grid.Rows != current.Grid.Rows || baseline.Grid.Cols != current.Grid.Cols {
		return nil, nil, zero, fmt.Errorf("acquisition grids misaligned: baseline %dx%d vs current %dx%d",
			baseline.Grid.Rows, baseline.Grid.Cols, current.Grid.Rows, current.Grid.Cols)
	}

	// The two classifications are independent, run them concurrently.
	var (
		baselineCls, currentCls *landcover.Classification
		baselineErr, currentErr error
		clsWG                   sync.WaitGroup
	)
	clsWG.Add(2)
	go func() {
		defer clsWG.Done()
		baselineCls, baselineErr = w.classifier.Classify(baseline, classType)
	}()
	go func() {
		defer clsWG.Done()
		currentCls, currentErr = w.classifier.Classify(current, classType)
	}()
	clsWG.Wait()

	if baselineErr != nil {
		return nil, nil, zero, fmt.Errorf("baseline classification: %w", baselineErr)
	}
	if currentErr != nil {
		return nil, nil, zero, fmt.Errorf("current classification: %w", currentErr)
	}

	changeRaster, stats, err := w.change(baselineCls, currentCls, current.Grid)
	if err != nil {
		return nil, nil, zero, fmt.Errorf("change computation: %w", err)
	}

	artifacts, bounds, err := w.publisher.Publish(ctx, artifact.Input{
		JobID:       desc.JobID,
		Baseline:    baseline,
		Current:     current,
		BaselineCls: baselineCls,
		CurrentCls:  currentCls,
		Change:      changeRaster,
		Grid:        current.Grid,
	})
	if err != nil {
		return nil, nil, zero, err
	}

	metrics := &domain.AnalysisMetrics{
		AnalysisType:     string(classType),
		BaselineDate:     baseline.Date.Format("2006-01-02"),
		CurrentDate:      current.Date.Format("2006-01-02"),
		BaselineCloudPct: baselineCls.CloudCoverPct,
		CurrentCloudPct:  currentCls.CloudCoverPct,
		ValidPixelsPct:   stats.ValidPixelsPct,
		LossHectares:     stats.LossHectares,
		GainHectares:     stats.GainHectares,
		StableHectares:   stats.StableHectares,
		TotalHectares:    stats.TotalValidHectares,
		LossPct:          stats.LossPct,
		GainPct:          stats.GainPct,
		NetChangePct:     stats.NetChangePct,
	}

	return artifacts, metrics, bounds, nil
}

func (w *Worker) Stop() {
	if w.isRunning.CompareAndSwap(true, false) {
		log.Printf("Stopping worker %s...", w.id)
		close(w.stopChan)
	}
}

func (w *Worker) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":         w.id,
		"running":    w.isRunning.Load(),
		"processed":  w.processed.Load(),
		"failed":     w.failed.Load(),
		"rejected":   w.rejected.Load(),
		"processing": w.processing.Load(),
	}
}

func (w *Worker) IsRunning() bool {
	return w.isRunning.Load()
}
