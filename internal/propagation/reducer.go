package propagation

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// ErrInvalidInput marks per-target value arrays whose shape does not match
// the task contract. Callers package it into the result error rather than
// letting it escape the worker.
var ErrInvalidInput = errors.New("invalid reducer input")

// TravelTimeReducer collapses the per-iteration travel times at one target
// into the requested percentiles, and optionally accumulates that target's
// opportunity count into cumulative accessibility at the origin.
type TravelTimeReducer struct {
	maxTripDurationMinutes int
	timesPerDestination    int

	nPercentiles      int
	percentileIndexes []int

	calculateAccessibility bool
	calculateTravelTimes   bool

	access       *AccessibilityResult
	times        *TravelTimeResult
	destinations *pointset.PointSet

	scratchMinutes []int32
}

// NewTravelTimeReducer sizes a reducer for one origin of the given task.
// destinations supplies per-target opportunity counts and the target count;
// it is always required and must not be empty.
func NewTravelTimeReducer(task clusterapi.AnalysisTask, destinations *pointset.PointSet) (*TravelTimeReducer, error) {
	timesPerDestination := task.TimesPerDestination()
	if timesPerDestination <= 0 {
		return nil, fmt.Errorf("%w: task yields %d iterations", ErrInvalidInput, timesPerDestination)
	}
	if destinations == nil || destinations.Len() == 0 {
		return nil, fmt.Errorf("%w: empty destination point set", ErrInvalidInput)
	}

	r := &TravelTimeReducer{
		maxTripDurationMinutes: task.MaxTripDurationMinutes,
		timesPerDestination:    timesPerDestination,
		nPercentiles:           len(task.Percentiles),
		percentileIndexes:      make([]int, len(task.Percentiles)),
		destinations:           destinations,
		scratchMinutes:         make([]int32, len(task.Percentiles)),
	}
	for p, percentile := range task.Percentiles {
		r.percentileIndexes[p] = findPercentileIndex(timesPerDestination, float64(percentile))
	}

	switch task.Type {
	case clusterapi.TaskTravelTimeSurface:
		r.calculateTravelTimes = true
	default:
		r.calculateAccessibility = task.RecordAccessibility
		r.calculateTravelTimes = task.RecordTimes
	}
	if r.calculateTravelTimes {
		r.times = NewTravelTimeResult(r.nPercentiles, destinations.Len())
	}
	if r.calculateAccessibility {
		r.access = NewAccessibilityResult(1, 1, r.nPercentiles)
	}
	return r, nil
}

// findPercentileIndex computes the zero-based index of a non-interpolated
// percentile in a sorted list of nElements: ceil(p/100 * n) - 1. Truncation
// instead of ceil gives wrong answers exactly on integer boundaries.
func findPercentileIndex(nElements int, percentile float64) int {
	return int(math.Ceil(percentile/100*float64(nElements))) - 1
}

// RecordsTimes reports whether per-iteration travel times must be maintained
// exactly (the propagator uses it to pick its skip conditions).
func (r *TravelTimeReducer) RecordsTimes() bool { return r.calculateTravelTimes }

// TimesPerDestination is the iteration count every ExtractAndRecord call must
// supply.
func (r *TravelTimeReducer) TimesPerDestination() int { return r.timesPerDestination }

// RecordUnvarying records a travel time with no iteration-to-iteration
// variation (walking, biking, driving): every percentile gets the same value.
func (r *TravelTimeReducer) RecordUnvarying(target int, seconds int32) []int32 {
	minutes := r.convertToMinutes(seconds)
	for p := range r.scratchMinutes {
		r.scratchMinutes[p] = minutes
	}
	r.recordForTarget(target, r.scratchMinutes)
	return r.scratchMinutes
}

// ExtractAndRecord sorts the supplied per-iteration times destructively,
// reads off the pre-computed percentile indexes, and records the minutes for
// the target. The caller's array no longer corresponds to iterations after
// this returns.
func (r *TravelTimeReducer) ExtractAndRecord(target int, seconds []int32) ([]int32, error) {
	if len(seconds) != r.timesPerDestination {
		return nil, fmt.Errorf("%w: %d iterations supplied, expected %d",
			ErrInvalidInput, len(seconds), r.timesPerDestination)
	}
	slices.Sort(seconds)
	for p := 0; p < r.nPercentiles; p++ {
		r.scratchMinutes[p] = r.convertToMinutes(seconds[r.percentileIndexes[p]])
	}
	r.recordForTarget(target, r.scratchMinutes)
	return r.scratchMinutes, nil
}

func (r *TravelTimeReducer) recordForTarget(target int, minutes []int32) {
	if r.calculateTravelTimes {
		r.times.SetTarget(target, minutes)
	}
	if r.calculateAccessibility {
		amount := r.destinations.OpportunityCount(target)
		for p := 0; p < r.nPercentiles; p++ {
			// Strict less-than: minute m covers the half-open bucket
			// [m, m+1), matching how the front end buckets times.
			if minutes[p] < int32(r.maxTripDurationMinutes) {
				r.access.Increment(0, 0, p, amount)
			}
		}
	}
}

// convertToMinutes truncates seconds toward zero and clamps anything at or
// past the trip duration limit to Unreached.
func (r *TravelTimeReducer) convertToMinutes(seconds int32) int32 {
	if seconds == clusterapi.Unreached {
		return clusterapi.Unreached
	}
	minutes := seconds / clusterapi.SecondsPerMinute
	if minutes < int32(r.maxTripDurationMinutes) {
		return minutes
	}
	return clusterapi.Unreached
}

// Finish returns whatever was accumulated. An origin disconnected from the
// street network finishes without any record calls and correctly yields a
// buffer full of Unreached.
func (r *TravelTimeReducer) Finish() *OneOriginResult {
	return &OneOriginResult{Times: r.times, Access: r.access}
}
