package timegrid

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

func testHeader(width, height, nPercentiles int) Header {
	return Header{
		Extents: pointset.GridExtents{
			Zoom: 9, West: 120, North: 240, Width: width, Height: height,
		},
		NPercentiles: nPercentiles,
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	header := testHeader(4, 3, 2)
	values := make([]int32, 4*3*2)
	for i := range values {
		values[i] = int32(i * i % 977)
	}
	values[5] = clusterapi.Unreached

	var buf bytes.Buffer
	require.NoError(t, WriteDelta(&buf, header, values))

	gotHeader, gotValues, err := ReadDelta(&buf)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, values, gotValues)
}

func TestDeltaRowsIndependentlyDecodable(t *testing.T) {
	// With the prior-value register reset at row boundaries, the first value
	// of each row is stored verbatim (delta from zero).
	header := testHeader(2, 2, 1)
	values := []int32{100, 110, 300, 290}
	var buf bytes.Buffer
	require.NoError(t, WriteDelta(&buf, header, values))

	raw := buf.Bytes()[HeaderBytes:]
	first := int32(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	require.Equal(t, int32(100), first)
	rowStart := int32(uint32(raw[8]) | uint32(raw[9])<<8 | uint32(raw[10])<<16 | uint32(raw[11])<<24)
	require.Equal(t, int32(300), rowStart)
}

func TestDeltaRejectsWrongLength(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, WriteDelta(&buf, testHeader(2, 2, 1), []int32{1, 2, 3}))
}

func TestRandomAccessWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grid.bin")
	header := testHeader(3, 2, 2)
	w, err := CreateRandomAccess(path, header)
	require.NoError(t, err)

	require.NoError(t, w.WriteCell(0, []int32{1, 2}))
	require.NoError(t, w.WriteCell(5, []int32{11, 12}))
	require.Error(t, w.WriteCell(6, []int32{1, 2}))
	require.Error(t, w.WriteCell(0, []int32{1}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gotHeader, values, err := ReadRaw(f)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, []int32{1, 2}, values[0:2])
	require.Equal(t, []int32{11, 12}, values[10:12])
	// Unwritten cells stay at the sentinel.
	require.Equal(t, int32(clusterapi.Unreached), values[2])
}

func TestRandomAccessWriteIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grid.bin")
	header := testHeader(2, 1, 1)
	w, err := CreateRandomAccess(path, header)
	require.NoError(t, err)
	require.NoError(t, w.WriteCell(1, []int32{42}))
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteCell(1, []int32{42}))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.NoError(t, w.Close())
}
