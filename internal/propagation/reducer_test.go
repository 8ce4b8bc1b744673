package propagation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

func reducerTask(percentiles []int, windowMinutes, draws, maxTripMinutes int) clusterapi.AnalysisTask {
	return clusterapi.AnalysisTask{
		Type:                   clusterapi.TaskRegional,
		NetworkID:              "net",
		Width:                  3,
		Height:                 3,
		Percentiles:            percentiles,
		MaxTripDurationMinutes: maxTripMinutes,
		TimeWindowMinutes:      windowMinutes,
		MonteCarloDraws:        draws,
		RecordAccessibility:    true,
		RecordTimes:            true,
	}
}

func uniformDestinations(n int, count float64) *pointset.PointSet {
	ps := pointset.New(n)
	for i := 0; i < n; i++ {
		ps.Append(0, 0, count)
	}
	return ps
}

func TestPercentileExtraction(t *testing.T) {
	// 100 iterations, one minute apart: seconds = 0, 60, ..., 5940.
	task := reducerTask([]int{5, 50, 95}, 100, 0, 120)
	r, err := NewTravelTimeReducer(task, uniformDestinations(9, 1))
	require.NoError(t, err)
	require.Equal(t, 100, r.TimesPerDestination())

	seconds := make([]int32, 100)
	for i := range seconds {
		seconds[i] = int32(i * 60)
	}
	minutes, err := r.ExtractAndRecord(0, seconds)
	require.NoError(t, err)
	// Indexes ceil(p*I/100)-1 = 4, 49, 94 -> seconds 240, 2940, 5640.
	require.Equal(t, []int32{4, 49, 94}, minutes)
}

func TestPercentileIndexFormula(t *testing.T) {
	// The 100th percentile is the largest element; truncating instead of
	// taking the ceiling would be off by one exactly on integer boundaries.
	require.Equal(t, 99, findPercentileIndex(100, 100))
	require.Equal(t, 0, findPercentileIndex(100, 1))
	require.Equal(t, 4, findPercentileIndex(100, 5))
	require.Equal(t, 0, findPercentileIndex(1, 50))
	require.Equal(t, 3, findPercentileIndex(8, 50))
}

func TestClampToUnreached(t *testing.T) {
	task := reducerTask([]int{50}, 4, 0, 60)
	r, err := NewTravelTimeReducer(task, uniformDestinations(9, 1))
	require.NoError(t, err)

	// 3600s is exactly the 60 minute limit and must clamp.
	minutes, err := r.ExtractAndRecord(0, []int32{1200, 3599, 3600, clusterapi.Unreached})
	require.NoError(t, err)
	require.Equal(t, int32(59), minutes[0]) // index ceil(50*4/100)-1 = 1

	minutes = r.RecordUnvarying(1, 3600)
	require.Equal(t, int32(clusterapi.Unreached), minutes[0])
	minutes = r.RecordUnvarying(2, clusterapi.Unreached)
	require.Equal(t, int32(clusterapi.Unreached), minutes[0])
}

func TestReducerIdempotentOnSortedInput(t *testing.T) {
	task := reducerTask([]int{25, 75}, 8, 0, 120)
	r, err := NewTravelTimeReducer(task, uniformDestinations(9, 1))
	require.NoError(t, err)

	seconds := []int32{60, 120, 180, 240, 300, 360, 420, 480}
	first, err := r.ExtractAndRecord(0, seconds)
	require.NoError(t, err)
	firstCopy := append([]int32(nil), first...)
	second, err := r.ExtractAndRecord(0, seconds)
	require.NoError(t, err)
	require.Equal(t, firstCopy, second)
}

func TestReducerRejectsWrongIterationCount(t *testing.T) {
	task := reducerTask([]int{50}, 10, 0, 120)
	r, err := NewTravelTimeReducer(task, uniformDestinations(9, 1))
	require.NoError(t, err)
	_, err = r.ExtractAndRecord(0, []int32{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordUnvaryingFillsAllPercentiles(t *testing.T) {
	task := reducerTask([]int{5, 50, 95}, 1, 0, 120)
	r, err := NewTravelTimeReducer(task, uniformDestinations(9, 1))
	require.NoError(t, err)
	minutes := r.RecordUnvarying(0, 185)
	require.Equal(t, []int32{3, 3, 3}, minutes)
}

func TestAccessibilityAccumulation(t *testing.T) {
	// Nine destinations at 60..540 seconds, cutoff 10 minutes, opportunity
	// count 1 per cell: all nine are reachable at every percentile.
	task := reducerTask([]int{50}, 1, 0, 10)
	r, err := NewTravelTimeReducer(task, uniformDestinations(9, 1))
	require.NoError(t, err)

	for target := 0; target < 9; target++ {
		minutes := r.RecordUnvarying(target, int32(60*(target+1)))
		require.Equal(t, int32(target+1), minutes[0])
	}
	result := r.Finish()
	require.NotNil(t, result.Access)
	require.Equal(t, int32(9), result.Access.Int32Values()[0][0][0])

	// Travel times were recorded too, as minutes 1..9.
	times := result.Times.Values()
	for target := 0; target < 9; target++ {
		require.Equal(t, int32(target+1), times[0][target])
	}
}

func TestAccessibilityStrictLessThanCutoff(t *testing.T) {
	// A destination exactly at the cutoff minute is out: minute m covers
	// [m, m+1), so m == maxTripDurationMinutes is not within it.
	task := reducerTask([]int{50}, 1, 0, 5)
	r, err := NewTravelTimeReducer(task, uniformDestinations(2, 10))
	require.NoError(t, err)
	r.RecordUnvarying(0, 299) // 4 minutes, inside
	r.RecordUnvarying(1, 300) // clamped to Unreached
	require.Equal(t, int32(10), r.Finish().Access.Int32Values()[0][0][0])
}

func TestTimesPerDestinationVariants(t *testing.T) {
	// Monte Carlo draws spread over the window.
	task := reducerTask([]int{50}, 60, 240, 120)
	require.Equal(t, 240, task.TimesPerDestination())
	// Half-headway: one value per departure minute.
	task = reducerTask([]int{50}, 60, 0, 120)
	require.Equal(t, 60, task.TimesPerDestination())
	// Fare calculator forces departure-time sampling.
	task = reducerTask([]int{50}, 60, 240, 120)
	task.InRoutingFareCalculator = "fares-v1"
	require.Equal(t, 240, task.TimesPerDestination())
	task.MonteCarloDraws = 20
	require.Equal(t, 20, task.TimesPerDestination())
}

func TestUnreachedOriginYieldsFullUnreachedGrid(t *testing.T) {
	task := reducerTask([]int{50}, 1, 0, 60)
	r, err := NewTravelTimeReducer(task, uniformDestinations(4, 1))
	require.NoError(t, err)
	// No record calls at all: the origin never linked to the streets.
	result := r.Finish()
	for _, v := range result.Times.Values()[0] {
		require.Equal(t, int32(clusterapi.Unreached), v)
	}
	require.Equal(t, int32(0), result.Access.Int32Values()[0][0][0])
}
