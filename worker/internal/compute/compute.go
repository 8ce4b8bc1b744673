// Package compute runs the per-task computation on a worker: ask the routing
// collaborator for travel times to stops, propagate them to every target, and
// reduce to the outputs the task requested.
package compute

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/internal/propagation"
	"github.com/AccessibilityObservatory/r5/internal/timegrid"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// RoutingResult is what the street and transit routing stages hand to
// propagation for one origin.
type RoutingResult struct {
	// TravelTimesToStops is [iteration][stop] seconds; empty when the task
	// has no transit component.
	TravelTimesToStops [][]int32

	// NonTransitTravelTimes is street-only seconds to every target.
	NonTransitTravelTimes []int32

	// Linkage is each target's nearby-stops egress table.
	Linkage *pointset.Linkage

	// Destinations carries target coordinates and opportunity counts.
	Destinations *pointset.PointSet
}

// NetworkRouter produces travel times for one origin. Street routing and the
// transit search live behind this interface; the propagation kernel is
// indifferent to how the times were produced.
type NetworkRouter interface {
	Route(ctx context.Context, task clusterapi.AnalysisTask) (*RoutingResult, error)
}

type Computer struct {
	Router NetworkRouter
	Log    *slog.Logger
}

// HandleRegionalTask computes one origin of a regional job. Errors never
// escape: they are packaged into the result's error field so the broker can
// record them on the job.
func (c *Computer) HandleRegionalTask(ctx context.Context, task clusterapi.RegionalTask) clusterapi.RegionalWorkResult {
	result, err := c.compute(ctx, task)
	if err != nil {
		return clusterapi.RegionalWorkResult{
			JobID:  task.JobID,
			TaskID: task.TaskID,
			Error:  err.Error(),
		}
	}
	return result.ToWorkResult(task.JobID, task.TaskID)
}

// HandleSurfaceTask computes an interactive travel-time surface and streams
// it as a delta-encoded time grid.
func (c *Computer) HandleSurfaceTask(ctx context.Context, task clusterapi.AnalysisTask, w io.Writer) error {
	task.Type = clusterapi.TaskTravelTimeSurface
	result, err := c.compute(ctx, task)
	if err != nil {
		return err
	}
	times := result.Times.Values()
	nPercentiles := len(times)
	nTargets := len(times[0])
	// Flatten to row-major (y, x, percentile).
	values := make([]int32, nTargets*nPercentiles)
	for p := 0; p < nPercentiles; p++ {
		for t := 0; t < nTargets; t++ {
			values[t*nPercentiles+p] = times[p][t]
		}
	}
	header := timegrid.Header{
		Extents: pointset.GridExtents{
			Zoom: task.Zoom, West: task.West, North: task.North,
			Width: task.Width, Height: task.Height,
		},
		NPercentiles: nPercentiles,
	}
	return timegrid.WriteDelta(w, header, values)
}

func (c *Computer) compute(ctx context.Context, task clusterapi.AnalysisTask) (*propagation.OneOriginResult, error) {
	routing, err := c.Router.Route(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("routing origin %d: %w", task.TaskID, err)
	}
	reducer, err := propagation.NewTravelTimeReducer(task, routing.Destinations)
	if err != nil {
		return nil, err
	}

	if len(routing.TravelTimesToStops) == 0 {
		propagation.PropagateNonTransit(routing.NonTransitTravelTimes, reducer)
		return reducer.Finish(), nil
	}

	cutoff := task.CutoffSeconds
	if cutoff <= 0 {
		cutoff = task.MaxTripDurationMinutes * clusterapi.SecondsPerMinute
	}
	walkSpeed := int32(task.WalkSpeed * 1000)
	if walkSpeed <= 0 {
		walkSpeed = 1300
	}
	propagator := &propagation.Propagator{
		TravelTimesToStopsEachIteration: routing.TravelTimesToStops,
		NonTransitTravelTimesToTargets:  routing.NonTransitTravelTimes,
		Linkage:                         routing.Linkage,
		WalkSpeedMMPerSecond:            walkSpeed,
		CutoffSeconds:                   int32(cutoff),
		Log:                             c.Log,
	}
	if err := propagator.Propagate(reducer); err != nil {
		return nil, fmt.Errorf("propagating origin %d: %w", task.TaskID, err)
	}
	return reducer.Finish(), nil
}
