// Package pcdio reads and writes point clouds as PCD files and as plain
// whitespace separated XYZ text (the CloudCompare .asc layout).
//
// Only the x, y, z and intensity fields are kept; other PCD fields are
// skipped. binary_compressed PCD data is not supported.
package pcdio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// Encoding is the DATA section layout of a PCD file.
type Encoding string

const (
	EncodingASCII  Encoding = "ascii"
	EncodingBinary Encoding = "binary"
)

var (
	// ErrUnsupported is returned for PCD files this package cannot decode.
	ErrUnsupported = errors.New("unsupported PCD file")
	// ErrMalformed is returned for inconsistent headers or data.
	ErrMalformed = errors.New("malformed point cloud file")
)

type pcdField struct {
	name  string
	size  int
	kind  byte // F, U or I
	count int
}

type pcdHeader struct {
	fields   []pcdField
	points   int
	encoding Encoding
}

// rowSize is the byte width of one point in binary data.
func (h *pcdHeader) rowSize() int {
	n := 0
	for _, f := range h.fields {
		n += f.size * f.count
	}
	return n
}

func (h *pcdHeader) field(name string) int {
	for i, f := range h.fields {
		if f.name == name {
			return i
		}
	}
	return -1
}

func readHeader(br *bufio.Reader) (*pcdHeader, error) {
	h := &pcdHeader{points: -1}
	var sizes, counts []string
	var types []string
	width, height := -1, 1

	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: header ended before DATA", ErrMalformed)
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tok := strings.Fields(line)
		key, vals := strings.ToUpper(tok[0]), tok[1:]
		switch key {
		case "VERSION", "VIEWPOINT":
		case "FIELDS", "COLUMNS":
			h.fields = make([]pcdField, len(vals))
			for i, v := range vals {
				h.fields[i] = pcdField{name: strings.ToLower(v), size: 4, kind: 'F', count: 1}
			}
		case "SIZE":
			sizes = vals
		case "TYPE":
			types = vals
		case "COUNT":
			counts = vals
		case "WIDTH":
			if width, err = atoiHeader(key, vals); err != nil {
				return nil, err
			}
		case "HEIGHT":
			if height, err = atoiHeader(key, vals); err != nil {
				return nil, err
			}
		case "POINTS":
			if h.points, err = atoiHeader(key, vals); err != nil {
				return nil, err
			}
		case "DATA":
			if len(vals) != 1 {
				return nil, fmt.Errorf("%w: DATA line %q", ErrMalformed, line)
			}
			switch Encoding(strings.ToLower(vals[0])) {
			case EncodingASCII:
				h.encoding = EncodingASCII
			case EncodingBinary:
				h.encoding = EncodingBinary
			default:
				return nil, fmt.Errorf("%w: DATA %s", ErrUnsupported, vals[0])
			}
			if err := h.applyLayout(sizes, types, counts); err != nil {
				return nil, err
			}
			if h.points < 0 {
				if width < 0 {
					return nil, fmt.Errorf("%w: neither POINTS nor WIDTH given", ErrMalformed)
				}
				h.points = width * height
			}
			return h, nil
		default:
			return nil, fmt.Errorf("%w: unknown header key %q", ErrMalformed, tok[0])
		}
	}
}

func atoiHeader(key string, vals []string) (int, error) {
	if len(vals) != 1 {
		return 0, fmt.Errorf("%w: %s expects one value", ErrMalformed, key)
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, key, vals[0])
	}
	return n, nil
}

func (h *pcdHeader) applyLayout(sizes, types, counts []string) error {
	if len(h.fields) == 0 {
		return fmt.Errorf("%w: no FIELDS", ErrMalformed)
	}
	for _, list := range [][]string{sizes, types, counts} {
		if list != nil && len(list) != len(h.fields) {
			return fmt.Errorf("%w: SIZE/TYPE/COUNT do not match FIELDS", ErrMalformed)
		}
	}
	for i := range h.fields {
		f := &h.fields[i]
		if sizes != nil {
			n, err := strconv.Atoi(sizes[i])
			if err != nil || (n != 1 && n != 2 && n != 4 && n != 8) {
				return fmt.Errorf("%w: SIZE %q", ErrMalformed, sizes[i])
			}
			f.size = n
		}
		if types != nil {
			t := strings.ToUpper(types[i])
			if t != "F" && t != "U" && t != "I" {
				return fmt.Errorf("%w: TYPE %q", ErrMalformed, types[i])
			}
			f.kind = t[0]
		}
		if counts != nil {
			n, err := strconv.Atoi(counts[i])
			if err != nil || n < 1 {
				return fmt.Errorf("%w: COUNT %q", ErrMalformed, counts[i])
			}
			f.count = n
		}
		if f.kind == 'F' && f.size != 4 && f.size != 8 {
			return fmt.Errorf("%w: float field %s of size %d", ErrUnsupported, f.name, f.size)
		}
	}
	for _, name := range []string{"x", "y", "z"} {
		if h.field(name) < 0 {
			return fmt.Errorf("%w: missing field %s", ErrUnsupported, name)
		}
	}
	return nil
}

// ReadPCD decodes a PCD stream with ascii or binary data.
func ReadPCD(r io.Reader) ([]pointcloud.Point, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if h.encoding == EncodingBinary {
		return readBinary(br, h)
	}
	return readASCII(br, h)
}

// columns maps each field to its first value's position in a row.
func (h *pcdHeader) columns() []int {
	cols := make([]int, len(h.fields))
	n := 0
	for i, f := range h.fields {
		cols[i] = n
		n += f.count
	}
	return cols
}

func readASCII(br *bufio.Reader, h *pcdHeader) ([]pointcloud.Point, error) {
	cols := h.columns()
	width := cols[len(cols)-1] + h.fields[len(h.fields)-1].count
	xi, yi, zi := cols[h.field("x")], cols[h.field("y")], cols[h.field("z")]
	ii := -1
	if f := h.field("intensity"); f >= 0 {
		ii = cols[f]
	}

	pts := make([]pointcloud.Point, 0, h.points)
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for len(pts) < h.points && sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		tok := strings.Fields(text)
		if len(tok) < width {
			return nil, fmt.Errorf("%w: data row %d has %d values, want %d", ErrMalformed, line, len(tok), width)
		}
		var vals [4]float64
		for j, c := range []int{xi, yi, zi, ii} {
			if c < 0 {
				continue
			}
			v, err := strconv.ParseFloat(tok[c], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: data row %d: %v", ErrMalformed, line, err)
			}
			vals[j] = v
		}
		pts = append(pts, pointcloud.Point{X: vals[0], Y: vals[1], Z: vals[2], Intensity: toIntensity(vals[3])})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pts) != h.points {
		return nil, fmt.Errorf("%w: expected %d points, read %d", ErrMalformed, h.points, len(pts))
	}
	return pts, nil
}

func readBinary(br *bufio.Reader, h *pcdHeader) ([]pointcloud.Point, error) {
	offsets := make([]int, len(h.fields))
	n := 0
	for i, f := range h.fields {
		offsets[i] = n
		n += f.size * f.count
	}
	row := make([]byte, h.rowSize())
	xf, yf, zf, inf := h.field("x"), h.field("y"), h.field("z"), h.field("intensity")

	pts := make([]pointcloud.Point, h.points)
	for i := range pts {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, fmt.Errorf("%w: point %d of %d: %v", ErrMalformed, i, h.points, err)
		}
		p := pointcloud.Point{
			X: decodeValue(row[offsets[xf]:], h.fields[xf]),
			Y: decodeValue(row[offsets[yf]:], h.fields[yf]),
			Z: decodeValue(row[offsets[zf]:], h.fields[zf]),
		}
		if inf >= 0 {
			p.Intensity = toIntensity(decodeValue(row[offsets[inf]:], h.fields[inf]))
		}
		pts[i] = p
	}
	return pts, nil
}

// decodeValue reads one little-endian value of field f from b.
func decodeValue(b []byte, f pcdField) float64 {
	le := binary.LittleEndian
	switch f.kind {
	case 'F':
		if f.size == 8 {
			return math.Float64frombits(le.Uint64(b))
		}
		return float64(math.Float32frombits(le.Uint32(b)))
	case 'U':
		switch f.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(le.Uint16(b))
		case 4:
			return float64(le.Uint32(b))
		default:
			return float64(le.Uint64(b))
		}
	default:
		switch f.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(le.Uint16(b)))
		case 4:
			return float64(int32(le.Uint32(b)))
		default:
			return float64(int64(le.Uint64(b)))
		}
	}
}

func toIntensity(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}

// WritePCD writes points as a PCD v0.7 file with fields x y z intensity.
func WritePCD(w io.Writer, points []pointcloud.Point, enc Encoding) error {
	if enc != EncodingASCII && enc != EncodingBinary {
		return fmt.Errorf("%w: DATA %s", ErrUnsupported, enc)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\nFIELDS x y z intensity\nSIZE 4 4 4 1\nTYPE F F F U\nCOUNT 1 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n", len(points), len(points), enc)

	if enc == EncodingASCII {
		for _, p := range points {
			fmt.Fprintf(bw, "%s %s %s %d\n", formatCoord(p.X), formatCoord(p.Y), formatCoord(p.Z), p.Intensity)
		}
		return bw.Flush()
	}

	var row [13]byte
	le := binary.LittleEndian
	for _, p := range points {
		le.PutUint32(row[0:], math.Float32bits(float32(p.X)))
		le.PutUint32(row[4:], math.Float32bits(float32(p.Y)))
		le.PutUint32(row[8:], math.Float32bits(float32(p.Z)))
		row[12] = p.Intensity
		if _, err := bw.Write(row[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatCoord(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 32)
}
