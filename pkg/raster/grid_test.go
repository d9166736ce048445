package raster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBandDataValidation(t *testing.T) {
	_, err := NewBandData(0, 3, nil)
	assert.Error(t, err)

	_, err = NewBandData(2, 2, []float64{1, 2, 3})
	assert.Error(t, err)

	b, err := NewBandData(2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Rows)
	assert.Equal(t, 3, b.Cols)
}

func TestBandDataMatrixSharesBacking(t *testing.T) {
	b, err := NewBandData(2, 2, []float64{1, 2, 3, 4})
	require.NoError(t, err)

	m := b.Matrix()
	assert.Equal(t, 3.0, m.At(1, 0))

	b.FlatData[2] = 9
	assert.Equal(t, 9.0, m.At(1, 0))
}

func TestBitMaskCountAndAnd(t *testing.T) {
	a := NewBitMask(2, 2)
	a.Set(0, 0, true)
	a.Set(1, 1, true)

	b := NewBitMask(2, 2)
	b.Set(0, 0, true)
	b.Set(0, 1, true)

	assert.Equal(t, 2, a.Count())

	both, err := a.And(b)
	require.NoError(t, err)
	assert.True(t, both.At(0, 0))
	assert.False(t, both.At(0, 1))
	assert.False(t, both.At(1, 1))
	assert.Equal(t, 1, both.Count())
}

func TestBitMaskAndShapeMismatch(t *testing.T) {
	a := NewBitMask(2, 2)
	b := NewBitMask(2, 3)
	_, err := a.And(b)
	assert.Error(t, err)
}

func TestPolygonValidate(t *testing.T) {
	tests := []struct {
		name    string
		polygon Polygon
		wantErr bool
	}{
		{
			name: "closed square",
			polygon: Polygon{
				{10.0, 50.0}, {10.1, 50.0}, {10.1, 50.1}, {10.0, 50.1}, {10.0, 50.0},
			},
		},
		{
			name:    "too few points",
			polygon: Polygon{{10.0, 50.0}, {10.1, 50.0}, {10.0, 50.0}},
			wantErr: true,
		},
		{
			name: "longitude out of range",
			polygon: Polygon{
				{181.0, 50.0}, {10.1, 50.0}, {10.1, 50.1}, {181.0, 50.0},
			},
			wantErr: true,
		},
		{
			name: "malformed pair",
			polygon: Polygon{
				{10.0}, {10.1, 50.0}, {10.1, 50.1}, {10.0},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.polygon.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolygon)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolygonBounds(t *testing.T) {
	p := Polygon{
		{10.0, 50.0}, {10.3, 49.8}, {10.2, 50.4}, {9.9, 50.1}, {10.0, 50.0},
	}

	bb, err := p.Bounds()
	require.NoError(t, err)

	assert.Equal(t, 9.9, bb.West)
	assert.Equal(t, 49.8, bb.South)
	assert.Equal(t, 10.3, bb.East)
	assert.Equal(t, 50.4, bb.North)
	assert.Equal(t, []float64{9.9, 49.8, 10.3, 50.4}, bb.AsSlice())
}

func TestGridPixelArea(t *testing.T) {
	// 0.01x0.01 degree cell split into a 10x10 grid at latitude ~50N.
	g := Grid{
		Rows:   10,
		Cols:   10,
		Bounds: BoundingBox{West: 10.0, South: 50.0, East: 10.01, North: 50.01},
	}

	assert.InDelta(t, 0.001, g.PixelWidthDeg(), 1e-12)
	assert.InDelta(t, 0.001, g.PixelHeightDeg(), 1e-12)

	wMeters := 0.001 * metersPerDegLon * math.Cos(50.005*math.Pi/180)
	hMeters := 0.001 * metersPerDegLat
	want := wMeters * hMeters / 10000.0

	assert.InDelta(t, want, g.PixelAreaHectares(), 1e-9)
	assert.InDelta(t, want*100, g.TotalAreaHectares(), 1e-9)
}

func TestGridAreaShrinksTowardPoles(t *testing.T) {
	equator := Grid{Rows: 1, Cols: 1, Bounds: BoundingBox{West: 0, South: -0.005, East: 0.01, North: 0.005}}
	arctic := Grid{Rows: 1, Cols: 1, Bounds: BoundingBox{West: 0, South: 69.995, East: 0.01, North: 70.005}}

	assert.Greater(t, equator.PixelAreaHectares(), arctic.PixelAreaHectares())
}
