package calibrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// ArtifactSuffix is appended to the frame path to name its artifact.
const ArtifactSuffix = ".parquet"

// ArtifactRow is one calibrated source. Column names are an interchange
// contract with downstream readers.
type ArtifactRow struct {
	RA            float64 `parquet:"ra" json:"ra"`
	Dec           float64 `parquet:"dec" json:"dec"`
	FWHM          float64 `parquet:"fwhm" json:"fwhm"`
	Mag           float64 `parquet:"mag" json:"mag"`
	MagErr        float64 `parquet:"magerr" json:"magerr"`
	Flags         int32   `parquet:"flags" json:"flags"`
	MagCalib      float64 `parquet:"mag_calib" json:"mag_calib"`
	MagCalibErr   float64 `parquet:"mag_calib_err" json:"mag_calib_err"`
	Filter        string  `parquet:"filter" json:"filter"`
	Time          string  `parquet:"time" json:"time"`
	MJD           float64 `parquet:"mjd" json:"mjd"`
	MagFilterName string  `parquet:"mag_filter_name" json:"mag_filter_name"`
	MagColorName  string  `parquet:"mag_color_name" json:"mag_color_name"`
	ColorTerm     float64 `parquet:"color_term" json:"color_term"`
	ColorTerm2    float64 `parquet:"color_term2" json:"color_term2"`
}

// TimeLayout formats ArtifactRow.Time.
const TimeLayout = "2006-01-02T15:04:05.000"

// ArtifactPath returns the artifact location for a frame file.
func ArtifactPath(framePath string) string {
	return framePath + ArtifactSuffix
}

// ArtifactExists reports whether an artifact is already present.
func ArtifactExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// WriteArtifact replaces the artifact at path. The file is written next to
// its destination and renamed so readers never observe a partial artifact.
func WriteArtifact(path string, rows []ArtifactRow) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := parquet.Write(tmp, rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

// ReadArtifact loads all rows of an artifact.
func ReadArtifact(path string) ([]ArtifactRow, error) {
	rows, err := parquet.ReadFile[ArtifactRow](path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return rows, nil
}
