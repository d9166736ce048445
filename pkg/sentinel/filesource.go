package sentinel

import (
	"bufio"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"geowatch-system/pkg/raster"
)

var ErrInvalidBandFile = errors.New("invalid band file format")

// bandFiles are the files expected inside one acquisition directory.
var bandFiles = []string{"red.txt", "green.txt", "nir.txt", "swir.txt", "scl.txt"}

// FileSource is a fixture-backed catalog: a root directory holding one
// subdirectory per acquisition date (YYYY-MM-DD), each containing the five
// band rasters as whitespace-separated TXT matrices. Used for tests and
// offline runs in place of a live imagery provider.
type FileSource struct {
	root   string
	logger *zap.Logger
}

func NewFileSource(root string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{root: root, logger: logger}
}

func (f *FileSource) Fetch(ctx context.Context, roi raster.Polygon, window DateWindow) ([]*Acquisition, error) {
	bounds, err := roi.Bounds()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}

	var acqs []*Acquisition
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		date, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			continue
		}
		if !window.Contains(date) {
			continue
		}

		acq, err := f.readAcquisition(filepath.Join(f.root, entry.Name()), date, bounds)
		if err != nil {
			f.logger.Warn("Skipping unreadable acquisition directory",
				zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		acqs = append(acqs, acq)
	}

	return acqs, nil
}

func (f *FileSource) readAcquisition(dir string, date time.Time, bounds raster.BoundingBox) (*Acquisition, error) {
	bands := make([]*raster.BandData, len(bandFiles))
	for i, name := range bandFiles {
		b, err := f.readBandFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		bands[i] = b
	}

	acq := &Acquisition{
		Date:  date,
		Grid:  raster.Grid{Rows: bands[0].Rows, Cols: bands[0].Cols, Bounds: bounds},
		Red:   bands[0],
		Green: bands[1],
		NIR:   bands[2],
		SWIR:  bands[3],
		SCL:   bands[4],
	}
	if err := acq.Validate(); err != nil {
		return nil, err
	}
	return acq, nil
}

func (f *FileSource) readBandFile(filename string) (*raster.BandData, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return f.readBand(string(content))
}

func (f *FileSource) readBand(content string) (*raster.BandData, error) {
	if content == "" {
		return nil, ErrInvalidBandFile
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrInvalidBandFile
	}

	var flatData []float64
	cols := 0
	for _, line := range lines {
		fields := strings.Fields(line)
		if cols == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, ErrInvalidBandFile
		}
		for _, field := range fields {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, err
			}
			if value < 0 {
				f.logger.Warn("Negative reflectance found, replaced with NaN", zap.Float64("value", value))
				value = math.NaN()
			}
			flatData = append(flatData, value)
		}
	}

	return raster.NewBandData(len(lines), cols, flatData)
}
