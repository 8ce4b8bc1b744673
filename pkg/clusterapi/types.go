// Package clusterapi defines the wire types exchanged between the broker and
// the worker fleet. Workers short-poll the broker with a WorkerStatus, receive
// a batch of RegionalTasks, and post one RegionalWorkResult per origin.
package clusterapi

import (
	"fmt"
	"math"
	"time"
)

// Unreached marks a destination with no path within the search horizon.
// Gate arithmetic on the cutoff before adding egress time to avoid overflow.
const Unreached = math.MaxInt32

const SecondsPerMinute = 60

// WorkerCategory identifies the transport network and software version a
// worker has loaded. Workers only receive tasks matching their category.
// Immutable value, used as a map key.
type WorkerCategory struct {
	NetworkID     string `json:"networkId"`
	WorkerVersion string `json:"workerVersion"`
}

func (c WorkerCategory) String() string {
	return c.NetworkID + "-" + c.WorkerVersion
}

// TaskType discriminates the AnalysisTask variants on the wire.
type TaskType string

const (
	TaskRegional          TaskType = "regional"
	TaskTravelTimeSurface TaskType = "travel-time-surface"
)

// AnalysisTask is a tagged variant: the shared fields of regional tasks and
// interactive travel-time-surface tasks are hoisted here, and consumers branch
// on Type rather than on concrete structs.
type AnalysisTask struct {
	Type TaskType `json:"type"`

	// Identity within a regional job. TaskID is the origin index; it is
	// stamped when the broker delivers the task, zero on the template.
	JobID  string `json:"jobId,omitempty"`
	TaskID int    `json:"taskId"`

	NetworkID     string `json:"networkId"`
	WorkerVersion string `json:"workerVersion"`

	// Origin point. For regional jobs the broker derives it from the origin
	// index over the template's grid extents; OriginPointSetKey does not
	// change how it is derived.
	FromLat float64 `json:"fromLat"`
	FromLon float64 `json:"fromLon"`

	// Web mercator extents. For regional tasks this is the origin grid that
	// shapes the output file; for surface tasks it is the destination grid.
	Zoom   int `json:"zoom"`
	West   int `json:"west"`
	North  int `json:"north"`
	Width  int `json:"width"`
	Height int `json:"height"`

	Percentiles            []int   `json:"percentiles"`
	CutoffSeconds          int     `json:"cutoffSeconds"`
	MaxTripDurationMinutes int     `json:"maxTripDurationMinutes"`
	TimeWindowMinutes      int     `json:"timeWindowMinutes"`
	MonteCarloDraws        int     `json:"monteCarloDraws"`
	WalkSpeed              float64 `json:"walkSpeed"` // meters per second

	HasTransit bool `json:"hasTransit"`

	// A non-empty fare calculator switches routing to the slower
	// multi-criteria router, which samples whole departure times instead of
	// draws within minutes; this changes the expected iteration count.
	InRoutingFareCalculator string `json:"inRoutingFareCalculator,omitempty"`

	OriginPointSetKey      string `json:"originPointSetKey,omitempty"`
	DestinationPointSetKey string `json:"destinationPointSetKey,omitempty"`

	RecordAccessibility bool `json:"recordAccessibility"`
	RecordTimes         bool `json:"recordTimes"`
	IncludePathResults  bool `json:"includePathResults"`
}

// RegionalTask is an AnalysisTask of type TaskRegional with JobID and TaskID
// stamped at delivery time.
type RegionalTask = AnalysisTask

func (t *AnalysisTask) Category() WorkerCategory {
	return WorkerCategory{NetworkID: t.NetworkID, WorkerVersion: t.WorkerVersion}
}

// MonteCarloDrawsPerMinute distributes the requested draws over the departure
// time window.
func (t *AnalysisTask) MonteCarloDrawsPerMinute() int {
	if t.TimeWindowMinutes <= 0 {
		return 0
	}
	return t.MonteCarloDraws / t.TimeWindowMinutes
}

// TimesPerDestination is the number of travel time values produced at every
// destination: one per (departure minute, Monte Carlo draw) iteration, or one
// per sampled departure when a fare calculator forces the multi-criteria
// router, or one per departure minute under half-headway boarding.
func (t *AnalysisTask) TimesPerDestination() int {
	if t.InRoutingFareCalculator != "" {
		return t.MonteCarloDraws
	}
	if t.MonteCarloDraws == 0 {
		return t.TimeWindowMinutes
	}
	return t.TimeWindowMinutes * t.MonteCarloDrawsPerMinute()
}

// Validate rejects templates the broker cannot expand into a job.
func (t *AnalysisTask) Validate() error {
	if t.NetworkID == "" {
		return fmt.Errorf("analysis task: networkId is required")
	}
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("analysis task: grid extents %dx%d are not positive", t.Width, t.Height)
	}
	if len(t.Percentiles) == 0 {
		return fmt.Errorf("analysis task: at least one percentile is required")
	}
	for _, p := range t.Percentiles {
		if p <= 0 || p > 100 {
			return fmt.Errorf("analysis task: percentile %d out of range (0, 100]", p)
		}
	}
	if t.TimesPerDestination() <= 0 {
		return fmt.Errorf("analysis task: zero iterations (window %d min, %d draws)",
			t.TimeWindowMinutes, t.MonteCarloDraws)
	}
	if !t.RecordAccessibility && !t.RecordTimes {
		return fmt.Errorf("analysis task: neither accessibility nor travel times requested")
	}
	return nil
}

// WorkerStatus is the body of a worker's short poll. Polling doubles as the
// heartbeat; a worker that has a full task backlog still polls with
// MaxTasksRequested zero so the catalog keeps seeing it.
type WorkerStatus struct {
	WorkerID           string         `json:"workerId"`
	Category           WorkerCategory `json:"category"`
	IPAddress          string         `json:"ipAddress,omitempty"`
	MaxTasksRequested  int            `json:"maxTasksRequested"`
	TasksInFlight      int            `json:"tasksInFlight"`
	SinglePointCapable bool           `json:"singlePointCapable"`
	Cores              int            `json:"cores,omitempty"`
	MemoryBytes        int64          `json:"memoryBytes,omitempty"`
}

// PollResponse carries up to maxTasksRequested (capped by the broker) tasks.
type PollResponse struct {
	Tasks []RegionalTask `json:"tasks"`
}

// RegionalWorkResult is the result for one origin of a regional job.
// Either Error is non-empty and the payload fields are ignored, or the payload
// shape must match the job contract exactly. Results are idempotent on replay.
type RegionalWorkResult struct {
	JobID  string `json:"jobId"`
	TaskID int    `json:"taskId"`
	Error  string `json:"error,omitempty"`

	// TravelTimesByPercentile is [nPercentiles][nDestinations] minutes, with
	// Unreached for destinations beyond the trip duration limit.
	TravelTimesByPercentile [][]int32 `json:"travelTimesByPercentile,omitempty"`

	// Accessibility is [nGrids][nCutoffs][nPercentiles] cumulative
	// opportunity counts. Currently a single destination grid and cutoff.
	Accessibility [][][]int32 `json:"accessibility,omitempty"`
}

// SubmitJobRequest creates a regional job from a template task. The broker
// expands it into Width*Height origin tasks (or one per origin point when
// OriginPointSetKey is set with an explicit count).
type SubmitJobRequest struct {
	JobID         string            `json:"jobId,omitempty"`
	Template      AnalysisTask      `json:"template"`
	NOrigins      int               `json:"nOrigins,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	RedeliverySec int               `json:"redeliverySeconds,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"jobId"`
}

// JobStatusResponse is the read-only view of one job.
type JobStatusResponse struct {
	JobID         string         `json:"jobId"`
	Category      WorkerCategory `json:"category"`
	NTasksTotal   int            `json:"nTasksTotal"`
	Delivered     int            `json:"delivered"`
	Complete      int            `json:"complete"`
	Errors        []string       `json:"errors,omitempty"`
	Active        bool           `json:"active"`
	ActiveWorkers int            `json:"activeWorkers"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// WorkerObservationView is the serializable form of a catalog entry.
type WorkerObservationView struct {
	WorkerID           string         `json:"workerId"`
	Category           WorkerCategory `json:"category"`
	IPAddress          string         `json:"ipAddress,omitempty"`
	TasksInFlight      int            `json:"tasksInFlight"`
	SinglePointCapable bool           `json:"singlePointCapable"`
	LastSeen           time.Time      `json:"lastSeen"`
}
