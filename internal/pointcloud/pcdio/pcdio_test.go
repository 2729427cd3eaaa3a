package pcdio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

var samplePoints = []pointcloud.Point{
	{X: 0.5, Y: 1.25, Z: -2, Intensity: 10},
	{X: -0.75, Y: 0, Z: 3.5, Intensity: 255},
	{X: 8, Y: -16, Z: 0.125},
}

const asciiPCD = `# .PCD v0.7 - Point Cloud Data file format
VERSION 0.7
FIELDS x y z normal_x rgb intensity
SIZE 4 4 4 4 4 4
TYPE F F F F U F
COUNT 1 1 1 1 1 1
WIDTH 3
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 3
DATA ascii
0.5 1.25 -2 0.1 4278190080 10.2
nan nan nan 0 0 0
8 -16 0.125 0 0 300
`

func TestReadASCIIPCD(t *testing.T) {
	pts, err := ReadPCD(strings.NewReader(asciiPCD))
	require.NoError(t, err)
	require.Len(t, pts, 3)

	assert.Equal(t, pointcloud.Point{X: 0.5, Y: 1.25, Z: -2, Intensity: 10}, pts[0])
	assert.False(t, pts[1].IsFinite())
	assert.Equal(t, pointcloud.Point{X: 8, Y: -16, Z: 0.125, Intensity: 255}, pts[2])
}

func TestReadPCDUsesWidthTimesHeight(t *testing.T) {
	doc := "FIELDS x y z\nWIDTH 2\nHEIGHT 1\nDATA ascii\n1 2 3\n4 5 6\n"
	pts, err := ReadPCD(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Len(t, pts, 2)
}

func TestReadBinaryPCDMixedTypes(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("VERSION 0.7\nFIELDS label x y z intensity\nSIZE 2 8 4 4 2\nTYPE I F F F U\nCOUNT 1 1 1 1 1\nWIDTH 2\nHEIGHT 1\nPOINTS 2\nDATA binary\n")
	le := binary.LittleEndian
	write := func(label int16, x float64, y, z float32, in uint16) {
		_ = binary.Write(&buf, le, label)
		_ = binary.Write(&buf, le, x)
		_ = binary.Write(&buf, le, y)
		_ = binary.Write(&buf, le, z)
		_ = binary.Write(&buf, le, in)
	}
	write(-1, 1.5, 2.5, 3.5, 40)
	write(7, -0.25, 0, 9, 1000)

	pts, err := ReadPCD(&buf)
	require.NoError(t, err)
	want := []pointcloud.Point{
		{X: 1.5, Y: 2.5, Z: 3.5, Intensity: 40},
		{X: -0.25, Y: 0, Z: 9, Intensity: 255},
	}
	if diff := cmp.Diff(want, pts); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestWritePCDRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingASCII, EncodingBinary} {
		t.Run(string(enc), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WritePCD(&buf, samplePoints, enc))
			assert.Contains(t, buf.String(), "DATA "+string(enc)+"\n")

			got, err := ReadPCD(&buf)
			require.NoError(t, err)
			if diff := cmp.Diff(samplePoints, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWritePCDNaN(t *testing.T) {
	var buf bytes.Buffer
	nan := math.NaN()
	require.NoError(t, WritePCD(&buf, []pointcloud.Point{{X: nan, Y: nan, Z: nan}}, EncodingASCII))
	assert.Contains(t, buf.String(), "nan nan nan 0\n")

	got, err := ReadPCD(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsFinite())
}

func TestWritePCDRejectsUnknownEncoding(t *testing.T) {
	err := WritePCD(&bytes.Buffer{}, samplePoints, Encoding("binary_compressed"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestReadPCDErrors(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want error
	}{
		"compressed":     {"FIELDS x y z\nPOINTS 0\nDATA binary_compressed\n", ErrUnsupported},
		"missing z":      {"FIELDS x y\nPOINTS 0\nDATA ascii\n", ErrUnsupported},
		"no data line":   {"FIELDS x y z\nPOINTS 1\n", ErrMalformed},
		"no fields":      {"POINTS 0\nDATA ascii\n", ErrMalformed},
		"size mismatch":  {"FIELDS x y z\nSIZE 4 4\nPOINTS 0\nDATA ascii\n", ErrMalformed},
		"bad type":       {"FIELDS x y z\nTYPE F F Q\nPOINTS 0\nDATA ascii\n", ErrMalformed},
		"half float":     {"FIELDS x y z\nSIZE 2 4 4\nPOINTS 0\nDATA ascii\n", ErrUnsupported},
		"no count":       {"FIELDS x y z\nDATA ascii\n", ErrMalformed},
		"unknown key":    {"FIELDS x y z\nCOLOUR red\nDATA ascii\n", ErrMalformed},
		"short row":      {"FIELDS x y z\nPOINTS 1\nDATA ascii\n1 2\n", ErrMalformed},
		"bad number":     {"FIELDS x y z\nPOINTS 1\nDATA ascii\n1 two 3\n", ErrMalformed},
		"too few points": {"FIELDS x y z\nPOINTS 2\nDATA ascii\n1 2 3\n", ErrMalformed},
		"short binary":   {"FIELDS x y z\nPOINTS 1\nDATA binary\nabc", ErrMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadPCD(strings.NewReader(tc.doc))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestReadXYZ(t *testing.T) {
	doc := `# Exported points
// another comment

1 2 3
4.5,5.5,6.5,17
7 8 9 300 extra columns
`
	pts, err := ReadXYZ(strings.NewReader(doc))
	require.NoError(t, err)
	want := []pointcloud.Point{
		{X: 1, Y: 2, Z: 3},
		{X: 4.5, Y: 5.5, Z: 6.5, Intensity: 17},
		{X: 7, Y: 8, Z: 9, Intensity: 255},
	}
	assert.Equal(t, want, pts)

	_, err = ReadXYZ(strings.NewReader("1 2\n"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ReadXYZ(strings.NewReader("1 2 z\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWriteXYZRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXYZ(&buf, samplePoints))
	assert.True(t, strings.HasPrefix(buf.String(), "# Exported points\n"))

	got, err := ReadXYZ(&buf)
	require.NoError(t, err)
	assert.Equal(t, samplePoints, got)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatPCD, FormatFor("/data/bunny.PCD"))
	assert.Equal(t, FormatXYZ, FormatFor("scan.asc"))
	assert.Equal(t, FormatXYZ, FormatFor("scan.xyz"))
	assert.Equal(t, FormatUnknown, FormatFor("scan.ply"))
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"milk.pcd", "milk.asc"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WriteFile(path, samplePoints))

		c, err := ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "milk", c.FrameID)
		assert.Equal(t, samplePoints, c.Points)
	}
}

func TestFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadFile(filepath.Join(dir, "cloud.ply"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = ReadFile(filepath.Join(dir, "missing.pcd"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.ErrorIs(t, WriteFile(filepath.Join(dir, "cloud.ply"), samplePoints), ErrUnsupported)

	bad := filepath.Join(dir, "bad.pcd")
	require.NoError(t, os.WriteFile(bad, []byte("FIELDS x y\nDATA ascii\n"), 0o644))
	_, err = ReadFile(bad)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "bad.pcd")
}
