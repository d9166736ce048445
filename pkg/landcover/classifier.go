package landcover

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"geowatch-system/pkg/raster"
	"geowatch-system/pkg/sentinel"
)

// ClassType selects which land-cover class the pipeline monitors.
type ClassType string

const (
	ClassForest ClassType = "forest"
	ClassWater  ClassType = "water"
)

var ErrUnknownClassType = errors.New("unknown class type")

func ParseClassType(s string) (ClassType, error) {
	switch ClassType(s) {
	case ClassForest, ClassWater:
		return ClassType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClassType, s)
}

// Index thresholds. Forest uses NDVI = (NIR-Red)/(NIR+Red); water uses
// NDWI = (Green-SWIR)/(Green+SWIR).
const (
	forestNDVIThreshold = 0.4
	waterNDWIThreshold  = 0.3
)

// ClassifierConfig configures the raster classifier.
type ClassifierConfig struct {
	Logger *zap.Logger
}

// Classifier converts one acquisition into a binary classification raster
// with a cloud-validity mask. Pure band math; deterministic and safe to run
// concurrently across acquisitions.
type Classifier struct {
	config ClassifierConfig
}

func NewClassifier(config ClassifierConfig) *Classifier {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Classifier{config: config}
}

// Classification is the output of classifying one acquisition. A pixel with
// Valid false is "invalid", not "not the class": Class is meaningful only
// where Valid is true.
type Classification struct {
	Class         *raster.BitMask
	Valid         *raster.BitMask
	CloudCoverPct float64
}

// Classify computes the validity mask from the scene classification band,
// evaluates the class index per valid pixel, and reports cloud coverage over
// the full grid.
func (c *Classifier) Classify(acq *sentinel.Acquisition, classType ClassType) (*Classification, error) {
	if err := acq.Validate(); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	var bandA, bandB *raster.BandData
	var threshold float64
	switch classType {
	case ClassForest:
		bandA, bandB, threshold = acq.NIR, acq.Red, forestNDVIThreshold
	case ClassWater:
		bandA, bandB, threshold = acq.Green, acq.SWIR, waterNDWIThreshold
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClassType, classType)
	}

	rows, cols := acq.Grid.Rows, acq.Grid.Cols
	class := raster.NewBitMask(rows, cols)
	valid := raster.NewBitMask(rows, cols)

	// Index raster (A-B)/(A+B) computed as dense element-wise ops.
	var sum, diff, index mat.Dense
	sum.Add(bandA.Matrix(), bandB.Matrix())
	diff.Sub(bandA.Matrix(), bandB.Matrix())
	index.DivElem(&diff, &sum)

	scl := acq.SCL.FlatData
	sums := sum.RawMatrix().Data
	indices := index.RawMatrix().Data

	invalid := 0
	for i := range scl {
		if sentinel.InvalidSCL(scl[i]) {
			invalid++
			continue
		}
		// Degenerate pixels are invalid regardless of the quality band.
		if sums[i] == 0 || math.IsNaN(sums[i]) {
			invalid++
			continue
		}
		valid.Bits[i] = true
		class.Bits[i] = indices[i] > threshold
	}

	total := rows * cols
	cloudPct := 100 * float64(invalid) / float64(total)

	c.config.Logger.Debug("Classification complete",
		zap.String("class_type", string(classType)),
		zap.Int("rows", rows),
		zap.Int("cols", cols),
		zap.Float64("cloud_cover_pct", cloudPct),
	)

	return &Classification{Class: class, Valid: valid, CloudCoverPct: cloudPct}, nil
}
