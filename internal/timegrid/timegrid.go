// Package timegrid implements the flat binary grid format shared by regional
// outputs and single-point surfaces: a little-endian header (zoom, west,
// north, width, height, nPercentiles) followed by width*height*nPercentiles
// 4-byte ints in row-major (y, x, percentile) order, Unreached for cells with
// no path.
//
// Two writers exist because the two producers have opposite access patterns:
// the assembler slots origins in arrival order and needs random-access writes
// into a pre-sized file, while a single-point surface streams one grid
// front-to-back and can afford per-row delta encoding.
package timegrid

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// Header describes the grid a file covers.
type Header struct {
	Extents      pointset.GridExtents
	NPercentiles int
}

const headerBytes = 6 * 4
const valueBytes = 4

// HeaderBytes is the encoded header size, exported for producers that lay
// fixed-offset blocks after the header.
const HeaderBytes = headerBytes

// WriteTo writes the encoded header.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	var buf [headerBytes]byte
	h.put(buf[:])
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (h Header) valuesPerCell() int { return h.NPercentiles }

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Extents.Zoom))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.Extents.West))
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Extents.North))
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.Extents.Width))
	binary.LittleEndian.PutUint32(buf[16:], uint32(h.Extents.Height))
	binary.LittleEndian.PutUint32(buf[20:], uint32(h.NPercentiles))
}

func headerFrom(buf []byte) Header {
	return Header{
		Extents: pointset.GridExtents{
			Zoom:   int(int32(binary.LittleEndian.Uint32(buf[0:]))),
			West:   int(int32(binary.LittleEndian.Uint32(buf[4:]))),
			North:  int(int32(binary.LittleEndian.Uint32(buf[8:]))),
			Width:  int(int32(binary.LittleEndian.Uint32(buf[12:]))),
			Height: int(int32(binary.LittleEndian.Uint32(buf[16:]))),
		},
		NPercentiles: int(int32(binary.LittleEndian.Uint32(buf[20:]))),
	}
}

// RandomAccessWriter owns a pre-sized grid file and writes one cell's values
// at a time at the offset determined by the cell index. Pre-sizing (and
// pre-filling with Unreached) makes writes at any offset safe and makes a
// partially assembled file decodable.
type RandomAccessWriter struct {
	header Header
	file   *os.File
}

func CreateRandomAccess(path string, header Header) (*RandomAccessWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1<<16)
	var hbuf [headerBytes]byte
	header.put(hbuf[:])
	if _, err := w.Write(hbuf[:]); err != nil {
		f.Close()
		return nil, err
	}
	var cell [valueBytes]byte
	binary.LittleEndian.PutUint32(cell[:], uint32(int32(clusterapi.Unreached)))
	nValues := header.Extents.NumPoints() * header.valuesPerCell()
	for i := 0; i < nValues; i++ {
		if _, err := w.Write(cell[:]); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return &RandomAccessWriter{header: header, file: f}, nil
}

// WriteCell writes the per-percentile values of one cell. Writes are
// idempotent: repeating a cell with identical values produces identical bytes.
func (w *RandomAccessWriter) WriteCell(cell int, values []int32) error {
	if len(values) != w.header.NPercentiles {
		return fmt.Errorf("timegrid: %d values for cell %d, grid has %d percentiles",
			len(values), cell, w.header.NPercentiles)
	}
	if cell < 0 || cell >= w.header.Extents.NumPoints() {
		return fmt.Errorf("timegrid: cell %d out of range [0, %d)", cell, w.header.Extents.NumPoints())
	}
	buf := make([]byte, len(values)*valueBytes)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*valueBytes:], uint32(v))
	}
	offset := int64(headerBytes) + int64(cell)*int64(len(values))*valueBytes
	_, err := w.file.WriteAt(buf, offset)
	return err
}

func (w *RandomAccessWriter) Sync() error { return w.file.Sync() }

func (w *RandomAccessWriter) Path() string { return w.file.Name() }

func (w *RandomAccessWriter) Close() error { return w.file.Close() }

// WriteDelta streams a complete grid with per-row delta encoding: each value
// is written as the difference from the previous value in the same row, and
// the prior-value register resets to zero at every row boundary so rows stay
// independently decodable.
func WriteDelta(w io.Writer, header Header, values []int32) error {
	expected := header.Extents.NumPoints() * header.valuesPerCell()
	if len(values) != expected {
		return fmt.Errorf("timegrid: %d values, grid wants %d", len(values), expected)
	}
	bw := bufio.NewWriterSize(w, 1<<16)
	var hbuf [headerBytes]byte
	header.put(hbuf[:])
	if _, err := bw.Write(hbuf[:]); err != nil {
		return err
	}
	rowValues := header.Extents.Width * header.valuesPerCell()
	var cell [valueBytes]byte
	var prev int32
	for i, v := range values {
		if i%rowValues == 0 {
			prev = 0
		}
		binary.LittleEndian.PutUint32(cell[:], uint32(v-prev))
		prev = v
		if _, err := bw.Write(cell[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadDelta decodes a grid written by WriteDelta.
func ReadDelta(r io.Reader) (Header, []int32, error) {
	var hbuf [headerBytes]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return Header{}, nil, err
	}
	header := headerFrom(hbuf[:])
	if header.Extents.Width <= 0 || header.Extents.Height <= 0 || header.NPercentiles <= 0 {
		return Header{}, nil, fmt.Errorf("timegrid: implausible header %+v", header)
	}
	nValues := header.Extents.NumPoints() * header.valuesPerCell()
	rowValues := header.Extents.Width * header.valuesPerCell()
	values := make([]int32, nValues)
	buf := make([]byte, valueBytes)
	var prev int32
	for i := 0; i < nValues; i++ {
		if i%rowValues == 0 {
			prev = 0
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return Header{}, nil, err
		}
		prev += int32(binary.LittleEndian.Uint32(buf))
		values[i] = prev
	}
	return header, values, nil
}

// ReadRaw decodes a grid written by CreateRandomAccess/WriteCell.
func ReadRaw(r io.Reader) (Header, []int32, error) {
	var hbuf [headerBytes]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return Header{}, nil, err
	}
	header := headerFrom(hbuf[:])
	nValues := header.Extents.NumPoints() * header.valuesPerCell()
	if nValues <= 0 {
		return Header{}, nil, fmt.Errorf("timegrid: implausible header %+v", header)
	}
	values := make([]int32, nValues)
	buf := make([]byte, valueBytes)
	for i := range values {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Header{}, nil, err
		}
		values[i] = int32(binary.LittleEndian.Uint32(buf))
	}
	return header, values, nil
}
