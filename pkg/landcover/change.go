package landcover

import (
	"errors"
	"fmt"

	"geowatch-system/pkg/raster"
)

// ErrInsufficientValidData means no pixel was valid in both acquisitions, so
// no change raster can be produced. Terminal for the job.
var ErrInsufficientValidData = errors.New("no pixel valid in both acquisitions")

// ChangeState is the per-pixel outcome of comparing two classifications.
type ChangeState uint8

const (
	ChangeExcluded ChangeState = iota // invalid in at least one acquisition
	ChangeLoss
	ChangeStable
	ChangeGain
)

// ChangeRaster is the three-way change map. Excluded pixels carry no state
// and contribute to no statistic.
type ChangeRaster struct {
	Rows   int
	Cols   int
	States []ChangeState
}

func (cr *ChangeRaster) At(r, c int) ChangeState { return cr.States[r*cr.Cols+c] }

// Statistics are the aggregate change areas, in hectares, plus derived
// percentages.
type Statistics struct {
	LossHectares       float64 `json:"loss_hectares"`
	GainHectares       float64 `json:"gain_hectares"`
	StableHectares     float64 `json:"stable_hectares"`
	TotalValidHectares float64 `json:"total_hectares"`
	LossPct            float64 `json:"loss_pct"`
	GainPct            float64 `json:"gain_pct"`
	NetChangePct       float64 `json:"net_change_pct"`
	ValidPixelsPct     float64 `json:"valid_pixels_pct"`
}

// ComputeChange derives the change raster and area statistics from a
// baseline and current classification on the same grid.
//
// A pixel enters the statistics only if valid in BOTH acquisitions; a pixel
// invalid in exactly one is excluded even when the other side has a
// confident classification, so partially obscured data never biases the
// areas.
func ComputeChange(baseline, current *Classification, grid raster.Grid) (*ChangeRaster, *Statistics, error) {
	if baseline == nil || current == nil {
		return nil, nil, errors.New("compute change: nil classification")
	}
	combined, err := baseline.Valid.And(current.Valid)
	if err != nil {
		return nil, nil, fmt.Errorf("compute change: %w", err)
	}
	if combined.Rows != grid.Rows || combined.Cols != grid.Cols {
		return nil, nil, fmt.Errorf("compute change: mask shape %dx%d does not match grid %dx%d",
			combined.Rows, combined.Cols, grid.Rows, grid.Cols)
	}

	validCount := combined.Count()
	if validCount == 0 {
		return nil, nil, ErrInsufficientValidData
	}

	cr := &ChangeRaster{
		Rows:   grid.Rows,
		Cols:   grid.Cols,
		States: make([]ChangeState, grid.Rows*grid.Cols),
	}

	var loss, gain, stable int
	for i := range combined.Bits {
		if !combined.Bits[i] {
			continue
		}
		was := baseline.Class.Bits[i]
		is := current.Class.Bits[i]
		switch {
		case was && !is:
			cr.States[i] = ChangeLoss
			loss++
		case !was && is:
			cr.States[i] = ChangeGain
			gain++
		default:
			cr.States[i] = ChangeStable
			stable++
		}
	}

	pixelHa := grid.PixelAreaHectares()
	totalValidHa := float64(validCount) * pixelHa

	stats := &Statistics{
		LossHectares:       float64(loss) * pixelHa,
		GainHectares:       float64(gain) * pixelHa,
		StableHectares:     float64(stable) * pixelHa,
		TotalValidHectares: totalValidHa,
		LossPct:            100 * float64(loss) / float64(validCount),
		GainPct:            100 * float64(gain) / float64(validCount),
		NetChangePct:       100 * float64(gain-loss) / float64(validCount),
		ValidPixelsPct:     100 * float64(validCount) / float64(grid.Rows*grid.Cols),
	}

	return cr, stats, nil
}
