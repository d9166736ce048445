package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"geowatch-system/pkg/raster"
)

// ErrNoAcquisitionAvailable means the catalog held zero usable acquisitions
// inside the search window. Terminal for the job; retry is an operator
// action.
var ErrNoAcquisitionAvailable = errors.New("no acquisition available in window")

// Source is the external imagery catalog. Implementations fetch every
// acquisition covering the region inside the window; cloud screening is NOT
// a source concern (coverage quality is surfaced as a metric downstream).
type Source interface {
	Fetch(ctx context.Context, roi raster.Polygon, window DateWindow) ([]*Acquisition, error)
}

// WindowPolicy configures how the baseline and current acquisition dates are
// chosen. The baseline offset is one reporting interval; both it and the
// tolerance are deployment configuration, not constants.
type WindowPolicy struct {
	// RecencyDays bounds how far back the "current" acquisition may be.
	RecencyDays int
	// BaselineOffsetDays is the reporting interval between current and
	// baseline acquisitions.
	BaselineOffsetDays int
	// ToleranceDays widens the baseline window on both sides.
	ToleranceDays int
}

func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{RecencyDays: 30, BaselineOffsetDays: 90, ToleranceDays: 30}
}

// Selector chooses acquisitions from a catalog according to a window policy.
type Selector struct {
	source Source
	policy WindowPolicy
	now    func() time.Time
}

func NewSelector(source Source, policy WindowPolicy) *Selector {
	return &Selector{source: source, policy: policy, now: time.Now}
}

// CurrentWindow is the recency window ending today.
func (s *Selector) CurrentWindow() DateWindow {
	to := s.now().UTC().Truncate(24 * time.Hour)
	return DateWindow{From: to.AddDate(0, 0, -s.policy.RecencyDays), To: to}
}

// BaselineWindow is centered one reporting interval before the current
// acquisition date, widened by the tolerance.
func (s *Selector) BaselineWindow(currentDate time.Time) DateWindow {
	center := currentDate.AddDate(0, 0, -s.policy.BaselineOffsetDays)
	return DateWindow{
		From: center.AddDate(0, 0, -s.policy.ToleranceDays),
		To:   center.AddDate(0, 0, s.policy.ToleranceDays),
	}
}

// SelectCurrent picks the most recent acquisition in the recency window.
func (s *Selector) SelectCurrent(ctx context.Context, roi raster.Polygon) (*Acquisition, error) {
	return s.selectIn(ctx, roi, s.CurrentWindow())
}

// SelectBaseline picks the most recent acquisition in the baseline window
// derived from the current acquisition's date.
func (s *Selector) SelectBaseline(ctx context.Context, roi raster.Polygon, currentDate time.Time) (*Acquisition, error) {
	return s.selectIn(ctx, roi, s.BaselineWindow(currentDate))
}

func (s *Selector) selectIn(ctx context.Context, roi raster.Polygon, window DateWindow) (*Acquisition, error) {
	acqs, err := s.source.Fetch(ctx, roi, window)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch failed for %s: %w", window, err)
	}

	candidates := acqs[:0]
	for _, a := range acqs {
		if a == nil || !window.Contains(a.Date) {
			continue
		}
		if err := a.Validate(); err != nil {
			// A structurally broken catalog entry is skipped, not fatal.
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: window %s", ErrNoAcquisitionAvailable, window)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Date.After(candidates[j].Date)
	})
	return candidates[0], nil
}
