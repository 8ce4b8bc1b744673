// Package assembler pieces per-origin results arriving from many workers into
// the contiguous output files of one regional job.
package assembler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/internal/timegrid"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// ErrMalformedResult marks results whose payload shape does not match the job
// contract. The broker records it on the job and drops the result; the files
// are never touched by a malformed message.
var ErrMalformedResult = errors.New("malformed work result")

// MultiOriginAssembler owns the output files of one job and slots each
// origin's values at the byte offset determined by its task ID. Writes for
// different origins never overlap, and a replayed origin either becomes a
// no-op or rewrites identical bytes, so assembly tolerates redelivery.
type MultiOriginAssembler struct {
	jobID         string
	nTasks        int
	nPercentiles  int
	nDestinations int

	accessGrid *timegrid.RandomAccessWriter
	timesFile  *os.File
	timesBlock int64

	mu        sync.Mutex
	written   []bool
	nWritten  int
	finalized bool

	log *slog.Logger
}

// New creates the assembler for a job, pre-sizing its files under dir.
// Regional destinations share the template's grid extents; nTasks is the
// origin count.
func New(jobID string, template clusterapi.AnalysisTask, nTasks int, dir string, log *slog.Logger) (*MultiOriginAssembler, error) {
	if log == nil {
		log = slog.Default()
	}
	extents := pointset.GridExtents{
		Zoom: template.Zoom, West: template.West, North: template.North,
		Width: template.Width, Height: template.Height,
	}
	a := &MultiOriginAssembler{
		jobID:         jobID,
		nTasks:        nTasks,
		nPercentiles:  len(template.Percentiles),
		nDestinations: extents.NumPoints(),
		written:       make([]bool, nTasks),
		log:           log,
	}
	if template.RecordAccessibility {
		w, err := timegrid.CreateRandomAccess(
			filepath.Join(dir, jobID+"_access.grid"),
			timegrid.Header{Extents: extents, NPercentiles: a.nPercentiles},
		)
		if err != nil {
			return nil, fmt.Errorf("create accessibility grid: %w", err)
		}
		a.accessGrid = w
	}
	if template.RecordTimes {
		f, err := os.Create(filepath.Join(dir, jobID+"_times.bin"))
		if err != nil {
			a.Terminate()
			return nil, fmt.Errorf("create times file: %w", err)
		}
		header := timegrid.Header{Extents: extents, NPercentiles: a.nPercentiles}
		if _, err := header.WriteTo(f); err != nil {
			f.Close()
			os.Remove(f.Name())
			a.Terminate()
			return nil, fmt.Errorf("write times header: %w", err)
		}
		a.timesBlock = int64(a.nPercentiles) * int64(a.nDestinations) * 4
		if err := f.Truncate(timegrid.HeaderBytes + int64(nTasks)*a.timesBlock); err != nil {
			f.Close()
			os.Remove(f.Name())
			a.Terminate()
			return nil, fmt.Errorf("presize times file: %w", err)
		}
		a.timesFile = f
	}
	return a, nil
}

// HandleMessage validates and writes one origin's result. On the final
// expected origin it finalizes the files and returns storage-key → local-path
// pairs for the caller to move into durable storage; otherwise the returned
// map is nil.
func (a *MultiOriginAssembler) HandleMessage(result clusterapi.RegionalWorkResult) (map[string]string, error) {
	if err := a.checkShape(result); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return nil, nil
	}
	if result.TaskID < 0 || result.TaskID >= a.nTasks {
		return nil, fmt.Errorf("%w: task %d out of range [0, %d)", ErrMalformedResult, result.TaskID, a.nTasks)
	}
	if a.written[result.TaskID] {
		// Redelivered origin already on disk; identical bytes, nothing to do.
		return nil, nil
	}

	if a.accessGrid != nil {
		if err := a.accessGrid.WriteCell(result.TaskID, result.Accessibility[0][0]); err != nil {
			return nil, fmt.Errorf("write accessibility for task %d: %w", result.TaskID, err)
		}
	}
	if a.timesFile != nil {
		if err := a.writeTimes(result.TaskID, result.TravelTimesByPercentile); err != nil {
			return nil, fmt.Errorf("write travel times for task %d: %w", result.TaskID, err)
		}
	}

	a.written[result.TaskID] = true
	a.nWritten++
	if a.nWritten < a.nTasks {
		return nil, nil
	}
	return a.finalize()
}

func (a *MultiOriginAssembler) checkShape(result clusterapi.RegionalWorkResult) error {
	if a.accessGrid != nil {
		if len(result.Accessibility) == 0 || len(result.Accessibility[0]) == 0 ||
			len(result.Accessibility[0][0]) != a.nPercentiles {
			return fmt.Errorf("%w: accessibility shape does not match %d percentiles",
				ErrMalformedResult, a.nPercentiles)
		}
	}
	if a.timesFile != nil {
		if len(result.TravelTimesByPercentile) != a.nPercentiles {
			return fmt.Errorf("%w: %d percentile rows, job has %d",
				ErrMalformedResult, len(result.TravelTimesByPercentile), a.nPercentiles)
		}
		for p, row := range result.TravelTimesByPercentile {
			if len(row) != a.nDestinations {
				return fmt.Errorf("%w: percentile %d has %d destinations, job has %d",
					ErrMalformedResult, p, len(row), a.nDestinations)
			}
		}
	}
	return nil
}

func (a *MultiOriginAssembler) writeTimes(taskID int, timesByPercentile [][]int32) error {
	buf := make([]byte, a.timesBlock)
	i := 0
	for d := 0; d < a.nDestinations; d++ {
		for p := 0; p < a.nPercentiles; p++ {
			binary.LittleEndian.PutUint32(buf[i:], uint32(timesByPercentile[p][d]))
			i += 4
		}
	}
	_, err := a.timesFile.WriteAt(buf, timegrid.HeaderBytes+int64(taskID)*a.timesBlock)
	return err
}

func (a *MultiOriginAssembler) finalize() (map[string]string, error) {
	a.finalized = true
	out := make(map[string]string)
	if a.accessGrid != nil {
		if err := a.accessGrid.Sync(); err != nil {
			return nil, fmt.Errorf("sync accessibility grid: %w", err)
		}
		path := a.accessGrid.Path()
		if err := a.accessGrid.Close(); err != nil {
			return nil, err
		}
		a.logChecksum(path)
		out[a.jobID+"_access.grid"] = path
		a.accessGrid = nil
	}
	if a.timesFile != nil {
		if err := a.timesFile.Sync(); err != nil {
			return nil, fmt.Errorf("sync times file: %w", err)
		}
		path := a.timesFile.Name()
		if err := a.timesFile.Close(); err != nil {
			return nil, err
		}
		a.logChecksum(path)
		out[a.jobID+"_times.bin"] = path
		a.timesFile = nil
	}
	a.log.Info("assembled all origins", "jobId", a.jobID, "origins", a.nTasks, "files", len(out))
	return out, nil
}

func (a *MultiOriginAssembler) logChecksum(path string) {
	sum, err := checksumFile(path)
	if err != nil {
		a.log.Warn("checksum failed", "jobId", a.jobID, "file", path, "error", err)
		return
	}
	a.log.Info("finalized result file", "jobId", a.jobID, "file", path, "xxh3", fmt.Sprintf("%016x", sum))
}

func checksumFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Terminate closes handles and deletes the temporary files. Used when a job
// is deleted before completing; safe to call more than once.
func (a *MultiOriginAssembler) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	if a.accessGrid != nil {
		path := a.accessGrid.Path()
		if err := a.accessGrid.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
		a.accessGrid = nil
	}
	if a.timesFile != nil {
		path := a.timesFile.Name()
		if err := a.timesFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
		a.timesFile = nil
	}
	a.finalized = true
	return firstErr
}
