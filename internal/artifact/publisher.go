// artifact/publisher.go
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"geowatch-system/internal/domain"
	"geowatch-system/pkg/landcover"
	"geowatch-system/pkg/raster"
	"geowatch-system/pkg/sentinel"
)

// Reflectance above this value renders fully bright in composites.
// Sentinel-2 L2A surface reflectance is scaled 0..10000; 3000 is the usual
// visualization ceiling.
const compositeScaleMax = 3000.0

// Input carries everything one job publishes: the two source acquisitions,
// their classifications, and the change raster, all on one grid.
type Input struct {
	JobID       string
	Baseline    *sentinel.Acquisition
	Current     *sentinel.Acquisition
	BaselineCls *landcover.Classification
	CurrentCls  *landcover.Classification
	Change      *landcover.ChangeRaster
	Grid        raster.Grid
}

// Publisher renders the computed rasters to georeferenced files (PNG plus
// ESRI world file, EPSG:4326) and places them in the store under stable,
// job-id-keyed names.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Publish writes all five artifacts. Any write or encode failure aborts the
// job: no partial set of locations is ever returned.
func (p *Publisher) Publish(ctx context.Context, in Input) (*domain.ArtifactURLs, raster.BoundingBox, error) {
	if in.JobID == "" {
		return nil, raster.BoundingBox{}, fmt.Errorf("%w: empty job id", domain.ErrPublish)
	}

	urls := &domain.ArtifactURLs{}
	outputs := []struct {
		name string
		img  image.Image
		dest *string
	}{
		{"baseline_composite", renderComposite(in.Baseline), &urls.BaselineComposite},
		{"current_composite", renderComposite(in.Current), &urls.CurrentComposite},
		{"baseline_class", renderClassification(in.BaselineCls), &urls.BaselineClass},
		{"current_class", renderClassification(in.CurrentCls), &urls.CurrentClass},
		{"change_visual", renderChange(in.Change), &urls.ChangeVisual},
	}

	for _, out := range outputs {
		url, err := p.putRaster(ctx, in.JobID, out.name, out.img, in.Grid)
		if err != nil {
			return nil, raster.BoundingBox{}, fmt.Errorf("%w: %s: %v", domain.ErrPublish, out.name, err)
		}
		*out.dest = url
	}

	return urls, in.Grid.Bounds, nil
}

func (p *Publisher) putRaster(ctx context.Context, jobID, name string, img image.Image, grid raster.Grid) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("png encode: %w", err)
	}

	key := fmt.Sprintf("%s/%s.png", jobID, name)
	url, err := p.store.Put(ctx, key, "image/png", buf.Bytes())
	if err != nil {
		return "", err
	}

	// World file sidecar carries the georeferencing for viewers that do not
	// read the bounds from the job record.
	worldKey := fmt.Sprintf("%s/%s.pgw", jobID, name)
	if _, err := p.store.Put(ctx, worldKey, "text/plain", []byte(WorldFile(grid))); err != nil {
		return "", err
	}

	return url, nil
}

// WorldFile renders the six-line ESRI world file for a grid: pixel x size,
// rotation, rotation, negative pixel y size, then the center of the
// upper-left pixel.
func WorldFile(g raster.Grid) string {
	dx := g.PixelWidthDeg()
	dy := g.PixelHeightDeg()
	return fmt.Sprintf("%.10f\n0.0\n0.0\n%.10f\n%.10f\n%.10f\n",
		dx, -dy, g.Bounds.West+dx/2, g.Bounds.North-dy/2)
}

// renderComposite produces a false-color composite (NIR, Red, Green) of the
// source acquisition.
func renderComposite(acq *sentinel.Acquisition) image.Image {
	rows, cols := acq.Grid.Rows, acq.Grid.Cols
	img := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			img.SetNRGBA(c, r, color.NRGBA{
				R: scaleReflectance(acq.NIR.FlatData[i]),
				G: scaleReflectance(acq.Red.FlatData[i]),
				B: scaleReflectance(acq.Green.FlatData[i]),
				A: 255,
			})
		}
	}
	return img
}

func scaleReflectance(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	scaled := v / compositeScaleMax * 255
	if scaled > 255 {
		scaled = 255
	}
	return uint8(scaled)
}

// renderClassification produces the single-band 0/1 raster. Invalid pixels
// render as 0, same as not-the-class.
func renderClassification(cls *landcover.Classification) image.Image {
	rows, cols := cls.Class.Rows, cls.Class.Cols
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if cls.Valid.At(r, c) && cls.Class.At(r, c) {
				img.SetGray(c, r, color.Gray{Y: 1})
			}
		}
	}
	return img
}

// renderChange produces the three-band visualization, one channel per
// state: red = loss, green = stable, blue = gain. Excluded pixels stay
// black.
func renderChange(cr *landcover.ChangeRaster) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, cr.Cols, cr.Rows))
	for r := 0; r < cr.Rows; r++ {
		for c := 0; c < cr.Cols; c++ {
			px := color.NRGBA{A: 255}
			switch cr.At(r, c) {
			case landcover.ChangeLoss:
				px.R = 255
			case landcover.ChangeStable:
				px.G = 255
			case landcover.ChangeGain:
				px.B = 255
			}
			img.SetNRGBA(c, r, px)
		}
	}
	return img
}
