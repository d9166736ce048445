package raster

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Meters per degree of latitude, and per degree of longitude at the equator.
// Longitude spacing shrinks with cos(latitude).
const (
	metersPerDegLat = 110540.0
	metersPerDegLon = 111320.0
)

// BandData is the serializable form of a single raster band: row-major
// float64 samples on a fixed grid.
type BandData struct {
	Rows     int       `gorethink:"rows" json:"rows"`
	Cols     int       `gorethink:"cols" json:"cols"`
	FlatData []float64 `gorethink:"flat_data" json:"flat_data"`
}

// Matrix returns the band as a gonum dense matrix sharing the flat backing
// slice.
func (b *BandData) Matrix() *mat.Dense {
	return mat.NewDense(b.Rows, b.Cols, b.FlatData)
}

func NewBandData(rows, cols int, data []float64) (*BandData, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid band shape %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("band data length %d does not match shape %dx%d", len(data), rows, cols)
	}
	return &BandData{Rows: rows, Cols: cols, FlatData: data}, nil
}

// BitMask is a per-pixel boolean raster aligned to a band grid.
type BitMask struct {
	Rows int
	Cols int
	Bits []bool
}

func NewBitMask(rows, cols int) *BitMask {
	return &BitMask{Rows: rows, Cols: cols, Bits: make([]bool, rows*cols)}
}

func (m *BitMask) At(r, c int) bool     { return m.Bits[r*m.Cols+c] }
func (m *BitMask) Set(r, c int, v bool) { m.Bits[r*m.Cols+c] = v }

// Count returns the number of true pixels.
func (m *BitMask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// And returns the pixel-wise conjunction of two aligned masks.
func (m *BitMask) And(other *BitMask) (*BitMask, error) {
	if m.Rows != other.Rows || m.Cols != other.Cols {
		return nil, fmt.Errorf("mask shapes differ: %dx%d vs %dx%d", m.Rows, m.Cols, other.Rows, other.Cols)
	}
	out := NewBitMask(m.Rows, m.Cols)
	for i := range m.Bits {
		out.Bits[i] = m.Bits[i] && other.Bits[i]
	}
	return out, nil
}

// BoundingBox is a geographic rectangle in EPSG:4326, degrees.
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// AsSlice returns [west, south, east, north], the ordering used by web map
// overlays and the completion report.
func (b BoundingBox) AsSlice() []float64 {
	return []float64{b.West, b.South, b.East, b.North}
}

// Polygon is an ordered closed ring of [lon, lat] pairs.
type Polygon [][]float64

var ErrInvalidPolygon = errors.New("polygon must be a closed ring of at least 4 [lon,lat] pairs")

// Validate checks the ring is usable as a region of interest.
func (p Polygon) Validate() error {
	if len(p) < 4 {
		return ErrInvalidPolygon
	}
	for _, pt := range p {
		if len(pt) != 2 {
			return ErrInvalidPolygon
		}
		if pt[0] < -180 || pt[0] > 180 || pt[1] < -90 || pt[1] > 90 {
			return fmt.Errorf("%w: coordinate [%v,%v] out of range", ErrInvalidPolygon, pt[0], pt[1])
		}
	}
	return nil
}

// Bounds derives the bounding box of the ring.
func (p Polygon) Bounds() (BoundingBox, error) {
	if err := p.Validate(); err != nil {
		return BoundingBox{}, err
	}
	bb := BoundingBox{West: p[0][0], South: p[0][1], East: p[0][0], North: p[0][1]}
	for _, pt := range p[1:] {
		bb.West = math.Min(bb.West, pt[0])
		bb.East = math.Max(bb.East, pt[0])
		bb.South = math.Min(bb.South, pt[1])
		bb.North = math.Max(bb.North, pt[1])
	}
	return bb, nil
}

// Grid ties a raster shape to its geographic extent. All bands of one
// acquisition share a grid.
type Grid struct {
	Rows   int
	Cols   int
	Bounds BoundingBox
}

// PixelWidthDeg and PixelHeightDeg are the per-pixel spacing in degrees.
func (g Grid) PixelWidthDeg() float64  { return (g.Bounds.East - g.Bounds.West) / float64(g.Cols) }
func (g Grid) PixelHeightDeg() float64 { return (g.Bounds.North - g.Bounds.South) / float64(g.Rows) }

// PixelAreaHectares approximates the ground area of one pixel at the grid's
// center latitude.
func (g Grid) PixelAreaHectares() float64 {
	midLat := (g.Bounds.South + g.Bounds.North) / 2
	wMeters := g.PixelWidthDeg() * metersPerDegLon * math.Cos(midLat*math.Pi/180)
	hMeters := g.PixelHeightDeg() * metersPerDegLat
	return math.Abs(wMeters*hMeters) / 10000.0
}

// TotalAreaHectares is the ground area of the full grid.
func (g Grid) TotalAreaHectares() float64 {
	return g.PixelAreaHectares() * float64(g.Rows*g.Cols)
}
