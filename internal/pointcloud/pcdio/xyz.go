package pcdio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// ReadXYZ reads one point per line as "X Y Z [Intensity ...]". Lines that
// start with '#' or '//' are comments; commas count as separators.
func ReadXYZ(r io.Reader) ([]pointcloud.Point, error) {
	var pts []pointcloud.Point
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		tok := strings.Fields(strings.ReplaceAll(text, ",", " "))
		if len(tok) < 3 {
			return nil, fmt.Errorf("%w: line %d has %d values, want at least 3", ErrMalformed, line, len(tok))
		}
		var vals [4]float64
		for i := 0; i < len(tok) && i < 4; i++ {
			v, err := strconv.ParseFloat(tok[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
			}
			vals[i] = v
		}
		pts = append(pts, pointcloud.Point{X: vals[0], Y: vals[1], Z: vals[2], Intensity: toIntensity(vals[3])})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pts, nil
}

// WriteXYZ writes points in the CloudCompare .asc layout.
func WriteXYZ(w io.Writer, points []pointcloud.Point) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# Exported points\n")
	fmt.Fprintf(bw, "# Format: X Y Z Intensity\n")
	for _, p := range points {
		fmt.Fprintf(bw, "%.6f %.6f %.6f %d\n", p.X, p.Y, p.Z, p.Intensity)
	}
	return bw.Flush()
}
