package broker

import (
	"testing"
	"time"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testTemplate(width, height int) clusterapi.AnalysisTask {
	return clusterapi.AnalysisTask{
		Type:                   clusterapi.TaskRegional,
		NetworkID:              "network-a",
		WorkerVersion:          "v1",
		Zoom:                   9,
		Width:                  width,
		Height:                 height,
		Percentiles:            []int{50},
		CutoffSeconds:          3600,
		MaxTripDurationMinutes: 60,
		TimeWindowMinutes:      1,
		RecordAccessibility:    true,
	}
}

func newTestJob(nTasks int, clock *fakeClock) *Job {
	job := NewJob("job-1", testTemplate(nTasks, 1), nTasks, time.Minute, nil)
	job.now = clock.Now
	return job
}

func TestDeliveryOrderPrefersUndelivered(t *testing.T) {
	clock := newFakeClock()
	job := newTestJob(6, clock)

	first := job.GenerateSomeTasksToDeliver(3)
	if len(first) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(first))
	}
	for i, task := range first {
		if task.TaskID != i {
			t.Fatalf("expected task %d at position %d, got %d", i, i, task.TaskID)
		}
		if task.JobID != "job-1" {
			t.Fatalf("task missing job id")
		}
	}

	// Let the delivered tasks expire, then ask for more than remains
	// undelivered: fresh tasks must come out before redeliveries.
	clock.Advance(2 * time.Minute)
	second := job.GenerateSomeTasksToDeliver(6)
	if len(second) != 6 {
		t.Fatalf("expected 6 tasks, got %d", len(second))
	}
	wantOrder := []int{3, 4, 5, 0, 1, 2}
	for i, task := range second {
		if task.TaskID != wantOrder[i] {
			t.Fatalf("position %d: expected task %d, got %d", i, wantOrder[i], task.TaskID)
		}
	}
}

func TestRedeliveryOnlyAfterDeadline(t *testing.T) {
	clock := newFakeClock()
	job := newTestJob(2, clock)

	if got := job.GenerateSomeTasksToDeliver(2); len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if job.HasTasksToDeliver() {
		t.Fatalf("all tasks in flight, nothing should be deliverable")
	}
	clock.Advance(30 * time.Second)
	if job.HasTasksToDeliver() {
		t.Fatalf("deadline not reached, nothing should be deliverable")
	}
	clock.Advance(31 * time.Second)
	if !job.HasTasksToDeliver() {
		t.Fatalf("past deadline, tasks should be redeliverable")
	}

	if !job.MarkTaskCompleted(0) {
		t.Fatalf("completing task 0 should succeed")
	}
	redelivered := job.GenerateSomeTasksToDeliver(2)
	if len(redelivered) != 1 || redelivered[0].TaskID != 1 {
		t.Fatalf("only incomplete task 1 should be redelivered, got %v", redelivered)
	}
}

func TestMarkTaskCompletedIdempotent(t *testing.T) {
	clock := newFakeClock()
	job := newTestJob(3, clock)
	job.GenerateSomeTasksToDeliver(3)

	if !job.MarkTaskCompleted(1) {
		t.Fatalf("first completion should transition the bit")
	}
	if job.MarkTaskCompleted(1) {
		t.Fatalf("second completion must be a no-op")
	}
	if job.CompletedCount() != 1 {
		t.Fatalf("expected 1 completed, got %d", job.CompletedCount())
	}
	if job.MarkTaskCompleted(-1) || job.MarkTaskCompleted(3) {
		t.Fatalf("out of range ids must be rejected")
	}
}

func TestCompletionImpliesDelivery(t *testing.T) {
	clock := newFakeClock()
	job := newTestJob(4, clock)
	// Complete a task that was never delivered (post-restart replay); the
	// delivery bit must be set too to preserve the invariant.
	job.MarkTaskCompleted(2)
	if job.DeliveredCount() != 1 {
		t.Fatalf("completion must imply delivery, delivered=%d", job.DeliveredCount())
	}
}

func TestJobLifecycle(t *testing.T) {
	clock := newFakeClock()
	job := newTestJob(2, clock)
	if !job.IsActive() || job.IsComplete() || job.IsErrored() {
		t.Fatalf("fresh job should be active")
	}
	job.GenerateSomeTasksToDeliver(2)
	job.MarkTaskCompleted(0)
	job.MarkTaskCompleted(1)
	if !job.IsComplete() || job.IsActive() {
		t.Fatalf("job with all completions should be complete and inactive")
	}
	job.VerifyComplete()

	errored := newTestJob(2, clock)
	errored.Errors = append(errored.Errors, "worker exploded")
	if errored.IsActive() || !errored.IsErrored() {
		t.Fatalf("errored job must be inactive")
	}
	if errored.HasTasksToDeliver() {
		t.Fatalf("errored job must stop delivering")
	}
	if got := errored.GenerateSomeTasksToDeliver(2); len(got) != 0 {
		t.Fatalf("errored job delivered %d tasks", len(got))
	}
}

func TestRedeliveryTimeoutFloor(t *testing.T) {
	job := NewJob("job-floor", testTemplate(1, 1), 1, time.Millisecond, nil)
	if job.RedeliveryTimeout != MinRedeliveryTimeout {
		t.Fatalf("expected floor %v, got %v", MinRedeliveryTimeout, job.RedeliveryTimeout)
	}
	job = NewJob("job-default", testTemplate(1, 1), 1, 0, nil)
	if job.RedeliveryTimeout != DefaultRedeliveryTimeout {
		t.Fatalf("expected default %v, got %v", DefaultRedeliveryTimeout, job.RedeliveryTimeout)
	}
}

func TestBitset(t *testing.T) {
	b := newBitset(130)
	if b.get(0) || b.get(129) {
		t.Fatalf("fresh bitset should be empty")
	}
	if !b.set(129) || b.set(129) {
		t.Fatalf("set should report only the first transition")
	}
	if !b.get(129) || b.cardinality() != 1 {
		t.Fatalf("bit 129 should be set exactly once")
	}
}
