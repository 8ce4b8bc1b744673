package propagation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
)

// Propagator combines travel times from one origin to every transit stop
// (per iteration) with each target's table of nearby stops, producing the
// full travel time distribution at every target.
type Propagator struct {
	// TravelTimesToStopsEachIteration is [iteration][stop] seconds, with
	// Unreached where the search never arrived at the stop.
	TravelTimesToStopsEachIteration [][]int32

	// NonTransitTravelTimesToTargets is the pure street travel time in
	// seconds from the origin to each target.
	NonTransitTravelTimesToTargets []int32

	// Linkage gives each target its nearby stops with walking distances.
	Linkage *pointset.Linkage

	// WalkSpeedMMPerSecond converts egress distances to seconds using
	// integer division, which keeps bucketing deterministic and free of
	// float drift between producers and consumers of the grids.
	WalkSpeedMMPerSecond int32

	CutoffSeconds int32

	Log *slog.Logger
}

// Propagate runs the kernel, invoking the reducer exactly once per target so
// downstream grids have full coverage even for unreachable targets.
func (p *Propagator) Propagate(reducer *TravelTimeReducer) error {
	if err := p.validate(reducer); err != nil {
		return err
	}
	nIterations := len(p.TravelTimesToStopsEachIteration)
	nStops := len(p.TravelTimesToStopsEachIteration[0])
	nTargets := len(p.NonTransitTravelTimesToTargets)
	saveTimes := reducer.RecordsTimes()
	start := time.Now()

	// Transpose to [stop][iteration]. The hot loop below visits a handful of
	// stops per target and every iteration for each, so keeping one stop's
	// column contiguous is what the prefetcher can actually use. The copy
	// costs nStops*nIterations ints once, which measured far cheaper than the
	// cache misses it removes.
	timesAtStop := make([][]int32, nStops)
	flat := make([]int32, nStops*nIterations)
	for stop := 0; stop < nStops; stop++ {
		timesAtStop[stop] = flat[stop*nIterations : (stop+1)*nIterations]
	}
	for iteration, row := range p.TravelTimesToStopsEachIteration {
		for stop, seconds := range row {
			timesAtStop[stop][iteration] = seconds
		}
	}

	// One scratch buffer reused for every target; the reducer sorts it in
	// place and we refill it before the next target.
	perIteration := make([]int32, nIterations)
	targetsReached := 0

	for target := 0; target < nTargets; target++ {
		nonTransitSeconds := p.NonTransitTravelTimesToTargets[target]
		reachedWithoutTransit := nonTransitSeconds < p.CutoffSeconds

		if reachedWithoutTransit && !saveTimes {
			// Accessibility only and already reached on the street network:
			// transit cannot change reachedness within the cutoff, so skip
			// the stop loop. The reducer still runs for this target.
			reducer.RecordUnvarying(target, nonTransitSeconds)
			targetsReached++
			continue
		}

		for i := range perIteration {
			perIteration[i] = nonTransitSeconds
		}
		reached := reachedWithoutTransit

		for _, link := range p.Linkage.StopsForTarget(target) {
			egressSeconds := link.DistanceMM / p.WalkSpeedMMPerSecond
			column := timesAtStop[link.Stop]
			for i, timeAtStop := range column {
				// The cutoff gate also protects the addition below from
				// overflowing when the stop was never reached (Unreached is
				// the max int32).
				if timeAtStop > p.CutoffSeconds || timeAtStop > perIteration[i] {
					continue
				}
				candidate := timeAtStop + egressSeconds
				if candidate < p.CutoffSeconds && candidate < perIteration[i] {
					perIteration[i] = candidate
					reached = true
				}
			}
		}
		if reached {
			targetsReached++
		}
		if _, err := reducer.ExtractAndRecord(target, perIteration); err != nil {
			return err
		}
	}

	if p.Log != nil {
		p.Log.Debug("propagation finished",
			"iterations", nIterations,
			"stops", nStops,
			"targets", nTargets,
			"targetsReached", targetsReached,
			"elapsed", time.Since(start))
	}
	return nil
}

func (p *Propagator) validate(reducer *TravelTimeReducer) error {
	if len(p.TravelTimesToStopsEachIteration) == 0 {
		return fmt.Errorf("%w: no iterations", ErrInvalidInput)
	}
	if len(p.TravelTimesToStopsEachIteration) != reducer.TimesPerDestination() {
		return fmt.Errorf("%w: %d iterations supplied, reducer expects %d",
			ErrInvalidInput, len(p.TravelTimesToStopsEachIteration), reducer.TimesPerDestination())
	}
	nStops := len(p.TravelTimesToStopsEachIteration[0])
	for i, row := range p.TravelTimesToStopsEachIteration {
		if len(row) != nStops {
			return fmt.Errorf("%w: iteration %d has %d stops, expected %d", ErrInvalidInput, i, len(row), nStops)
		}
	}
	if p.Linkage == nil || p.Linkage.NumTargets() != len(p.NonTransitTravelTimesToTargets) {
		return fmt.Errorf("%w: linkage does not cover the target set", ErrInvalidInput)
	}
	if err := p.Linkage.Validate(nStops); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if p.WalkSpeedMMPerSecond <= 0 {
		return fmt.Errorf("%w: walk speed %d mm/s", ErrInvalidInput, p.WalkSpeedMMPerSecond)
	}
	return nil
}

// PropagateNonTransit covers jobs with no transit component: the street time
// is the whole answer at every target.
func PropagateNonTransit(nonTransitSeconds []int32, reducer *TravelTimeReducer) {
	for target, seconds := range nonTransitSeconds {
		reducer.RecordUnvarying(target, seconds)
	}
}
