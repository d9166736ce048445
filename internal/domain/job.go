package domain

import (
	"time"

	"geowatch-system/pkg/raster"
)

// JobStatus is the lifecycle state of an analysis job record. Only the
// transitions in_progress -> completed and in_progress -> failed exist, each
// at most once.
type JobStatus string

const (
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ArtifactURLs locates the published georeferenced rasters for one job.
type ArtifactURLs struct {
	BaselineComposite string `gorethink:"baseline_composite" json:"baseline_composite"`
	CurrentComposite  string `gorethink:"current_composite" json:"current_composite"`
	BaselineClass     string `gorethink:"baseline_class" json:"baseline_class"`
	CurrentClass      string `gorethink:"current_class" json:"current_class"`
	ChangeVisual      string `gorethink:"change_visual" json:"change_visual"`
}

// AnalysisMetrics are the aggregate results of one change analysis. Areas
// are hectares; percentages are over the combined-valid area except
// ValidPixelsPct, which is over the full ROI grid.
type AnalysisMetrics struct {
	AnalysisType     string  `gorethink:"analysis_type" json:"analysis_type"`
	BaselineDate     string  `gorethink:"baseline_date" json:"baseline_date"`
	CurrentDate      string  `gorethink:"current_date" json:"current_date"`
	BaselineCloudPct float64 `gorethink:"baseline_cloud_pct" json:"baseline_cloud_pct"`
	CurrentCloudPct  float64 `gorethink:"current_cloud_pct" json:"current_cloud_pct"`
	ValidPixelsPct   float64 `gorethink:"valid_pixels_pct" json:"valid_pixels_pct"`
	LossHectares     float64 `gorethink:"loss_hectares" json:"loss_hectares"`
	GainHectares     float64 `gorethink:"gain_hectares" json:"gain_hectares"`
	StableHectares   float64 `gorethink:"stable_hectares" json:"stable_hectares"`
	TotalHectares    float64 `gorethink:"total_hectares" json:"total_hectares"`
	LossPct          float64 `gorethink:"loss_pct" json:"loss_pct"`
	GainPct          float64 `gorethink:"gain_pct" json:"gain_pct"`
	NetChangePct     float64 `gorethink:"net_change_pct" json:"net_change_pct"`
}

// AnalysisJob is the placeholder/result record. It is created in_progress
// before the worker ever sees the job id, and finalized exactly once when
// the completion report lands.
type AnalysisJob struct {
	ID          string           `gorethink:"id,omitempty" json:"id"`
	AreaID      string           `gorethink:"area_id" json:"area_id"`
	ClassType   string           `gorethink:"class_type" json:"class_type"`
	Status      JobStatus        `gorethink:"status" json:"status"`
	Artifacts   *ArtifactURLs    `gorethink:"artifacts,omitempty" json:"artifacts,omitempty"`
	Metrics     *AnalysisMetrics `gorethink:"metrics,omitempty" json:"metrics,omitempty"`
	Bounds      []float64        `gorethink:"bounds,omitempty" json:"bounds,omitempty"`
	Error       string           `gorethink:"error,omitempty" json:"error,omitempty"`
	CreatedAt   time.Time        `gorethink:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `gorethink:"updated_at" json:"updated_at"`
	CompletedAt *time.Time       `gorethink:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// JobDescriptor is the message handed to the worker runtime. The worker
// validates it defensively before starting the pipeline.
type JobDescriptor struct {
	JobID        string         `json:"job_id" validate:"required"`
	AreaID       string         `json:"area_id" validate:"required"`
	ROI          raster.Polygon `json:"roi" validate:"required,min=4"`
	ClassType    string         `json:"class_type" validate:"required,oneof=forest water"`
	IsBaseline   bool           `json:"is_baseline_job"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

// CompletionReport is the tagged union the worker delivers back: a completed
// report carries artifacts, metrics and bounds; a failed report carries only
// the error message.
type CompletionReport struct {
	JobID        string           `json:"job_id" validate:"required"`
	Status       JobStatus        `json:"status" validate:"required,oneof=completed failed"`
	Artifacts    *ArtifactURLs    `json:"artifacts,omitempty"`
	Metrics      *AnalysisMetrics `json:"metrics,omitempty"`
	Bounds       []float64        `json:"bounding_box,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// CompletedReport builds the success variant.
func CompletedReport(jobID string, artifacts *ArtifactURLs, metrics *AnalysisMetrics, bounds []float64) *CompletionReport {
	return &CompletionReport{
		JobID:     jobID,
		Status:    JobStatusCompleted,
		Artifacts: artifacts,
		Metrics:   metrics,
		Bounds:    bounds,
	}
}

// FailedReport builds the failure variant.
func FailedReport(jobID, errorMessage string) *CompletionReport {
	return &CompletionReport{
		JobID:        jobID,
		Status:       JobStatusFailed,
		ErrorMessage: errorMessage,
	}
}

// TriggerAnalysisRequest is the API payload that starts a job.
type TriggerAnalysisRequest struct {
	AreaID     string         `json:"area_id" validate:"required"`
	ROI        raster.Polygon `json:"roi" validate:"required,min=4"`
	ClassType  string         `json:"class_type" validate:"required,oneof=forest water"`
	IsBaseline bool           `json:"is_baseline"`
}
