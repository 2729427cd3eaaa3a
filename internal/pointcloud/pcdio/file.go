package pcdio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// Format is a file layout chosen by extension.
type Format int

const (
	FormatUnknown Format = iota
	FormatPCD
	FormatXYZ
)

// FormatFor picks the layout from a file name: .pcd is PCD; .xyz, .asc,
// .txt and .csv are plain text.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcd":
		return FormatPCD
	case ".xyz", ".asc", ".txt", ".csv":
		return FormatXYZ
	}
	return FormatUnknown
}

// Read decodes points from r in the given format.
func Read(r io.Reader, f Format) ([]pointcloud.Point, error) {
	switch f {
	case FormatPCD:
		return ReadPCD(r)
	case FormatXYZ:
		return ReadXYZ(r)
	}
	return nil, fmt.Errorf("%w: unknown format", ErrUnsupported)
}

// ReadFile loads a cloud from disk. The frame ID is the file name without
// its extension.
func ReadFile(path string) (*pointcloud.PointCloud, error) {
	format := FormatFor(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: cannot tell the format of %s", ErrUnsupported, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pts, err := Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	base := filepath.Base(path)
	return pointcloud.NewPointCloud(strings.TrimSuffix(base, filepath.Ext(base)), pts), nil
}

// WriteFile stores points at path, as ascii PCD or .asc text depending on
// the extension.
func WriteFile(path string, points []pointcloud.Point) error {
	format := FormatFor(path)
	if format == FormatUnknown {
		return fmt.Errorf("%w: cannot tell the format of %s", ErrUnsupported, path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if format == FormatPCD {
		err = WritePCD(f, points, EncodingASCII)
	} else {
		err = WriteXYZ(f, points)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
