package propagation

import (
	"math"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// OneOriginResult bundles whatever was accumulated for a single origin:
// percentile travel times, cumulative accessibility, or both.
type OneOriginResult struct {
	Times  *TravelTimeResult
	Access *AccessibilityResult
}

// ToWorkResult packages the accumulated values into the wire message for the
// given task identity.
func (r *OneOriginResult) ToWorkResult(jobID string, taskID int) clusterapi.RegionalWorkResult {
	out := clusterapi.RegionalWorkResult{JobID: jobID, TaskID: taskID}
	if r.Times != nil {
		out.TravelTimesByPercentile = r.Times.Values()
	}
	if r.Access != nil {
		out.Accessibility = r.Access.Int32Values()
	}
	return out
}

// TravelTimeResult holds percentile travel times in minutes for every target
// of one origin, laid out [percentile][target]. A buffer full of Unreached is
// the correct result for an origin that never connects to the street network.
type TravelTimeResult struct {
	nPercentiles int
	nTargets     int
	values       [][]int32
}

func NewTravelTimeResult(nPercentiles, nTargets int) *TravelTimeResult {
	values := make([][]int32, nPercentiles)
	for p := range values {
		row := make([]int32, nTargets)
		for i := range row {
			row[i] = clusterapi.Unreached
		}
		values[p] = row
	}
	return &TravelTimeResult{nPercentiles: nPercentiles, nTargets: nTargets, values: values}
}

func (t *TravelTimeResult) SetTarget(target int, minutesPerPercentile []int32) {
	for p := 0; p < t.nPercentiles; p++ {
		t.values[p][target] = minutesPerPercentile[p]
	}
}

func (t *TravelTimeResult) Values() [][]int32 { return t.values }

// AccessibilityResult accumulates cumulative opportunity counts for one
// origin, indexed [destination grid][cutoff][percentile]. A single grid and
// cutoff today; the shape leaves room for more without a wire change.
type AccessibilityResult struct {
	values [][][]float64
}

func NewAccessibilityResult(nGrids, nCutoffs, nPercentiles int) *AccessibilityResult {
	values := make([][][]float64, nGrids)
	for g := range values {
		values[g] = make([][]float64, nCutoffs)
		for c := range values[g] {
			values[g][c] = make([]float64, nPercentiles)
		}
	}
	return &AccessibilityResult{values: values}
}

func (a *AccessibilityResult) Increment(grid, cutoff, percentile int, amount float64) {
	a.values[grid][cutoff][percentile] += amount
}

func (a *AccessibilityResult) Int32Values() [][][]int32 {
	out := make([][][]int32, len(a.values))
	for g := range a.values {
		out[g] = make([][]int32, len(a.values[g]))
		for c := range a.values[g] {
			row := make([]int32, len(a.values[g][c]))
			for p, v := range a.values[g][c] {
				row[p] = int32(math.Round(v))
			}
			out[g][c] = row
		}
	}
	return out
}
