package sentinel

import (
	"errors"
	"fmt"
	"time"

	"geowatch-system/pkg/raster"
)

// Scene classification (SCL) codes marking a pixel as unusable. The set is
// fixed: cloud shadow, medium- and high-probability cloud, thin cirrus.
const (
	SCLCloudShadow     = 3
	SCLCloudMediumProb = 8
	SCLCloudHighProb   = 9
	SCLThinCirrus      = 10
)

// InvalidSCL reports whether an SCL code marks the pixel unusable.
func InvalidSCL(code float64) bool {
	switch int(code) {
	case SCLCloudShadow, SCLCloudMediumProb, SCLCloudHighProb, SCLThinCirrus:
		return true
	}
	return false
}

// Acquisition is one satellite pass over a region: co-registered band
// rasters for a single date on a shared grid.
type Acquisition struct {
	Date  time.Time
	Grid  raster.Grid
	Red   *raster.BandData
	Green *raster.BandData
	NIR   *raster.BandData
	SWIR  *raster.BandData
	SCL   *raster.BandData
}

// Validate checks all bands exist and share the grid shape.
func (a *Acquisition) Validate() error {
	if a == nil {
		return errors.New("nil acquisition")
	}
	bands := map[string]*raster.BandData{
		"red": a.Red, "green": a.Green, "nir": a.NIR, "swir": a.SWIR, "scl": a.SCL,
	}
	for name, b := range bands {
		if b == nil {
			return fmt.Errorf("acquisition missing %s band", name)
		}
		if b.Rows != a.Grid.Rows || b.Cols != a.Grid.Cols {
			return fmt.Errorf("%s band shape %dx%d does not match grid %dx%d",
				name, b.Rows, b.Cols, a.Grid.Rows, a.Grid.Cols)
		}
	}
	return nil
}

// DateWindow is a closed calendar interval used for catalog searches.
type DateWindow struct {
	From time.Time
	To   time.Time
}

func (w DateWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

func (w DateWindow) String() string {
	return fmt.Sprintf("[%s .. %s]", w.From.Format("2006-01-02"), w.To.Format("2006-01-02"))
}
