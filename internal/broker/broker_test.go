package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AccessibilityObservatory/r5/internal/assembler"
	"github.com/AccessibilityObservatory/r5/internal/eventbus"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launches []launchCall
}

type launchCall struct {
	category  clusterapi.WorkerCategory
	nOnDemand int
	nSpot     int
}

func (l *recordingLauncher) Launch(category clusterapi.WorkerCategory, _ map[string]string, nOnDemand, nSpot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, launchCall{category: category, nOnDemand: nOnDemand, nSpot: nSpot})
}

func (l *recordingLauncher) calls() []launchCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launchCall(nil), l.launches...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Send(event eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) regionalStates() []eventbus.RegionalAnalysisState {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []eventbus.RegionalAnalysisState
	for _, e := range b.events {
		if re, ok := e.(eventbus.RegionalAnalysisEvent); ok {
			out = append(out, re.State)
		}
	}
	return out
}

type captureStorage struct {
	mu   sync.Mutex
	keys []string
}

func (s *captureStorage) MoveIntoStorage(key, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return os.Remove(localPath)
}

func (s *captureStorage) storedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type testHarness struct {
	broker   *Broker
	clock    *fakeClock
	launcher *recordingLauncher
	bus      *recordingBus
	storage  *captureStorage
}

func newTestBroker(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	clock := newFakeClock()
	l := &recordingLauncher{}
	bus := &recordingBus{}
	storage := &captureStorage{}
	b := New(cfg, storage, bus, l, nil, nil)
	b.now = clock.Now
	b.catalog.now = clock.Now
	return &testHarness{broker: b, clock: clock, launcher: l, bus: bus, storage: storage}
}

// enqueueJob registers a fresh job with a real assembler over a temp dir.
func (h *testHarness) enqueueJob(t *testing.T, jobID string, template clusterapi.AnalysisTask, nTasks int) *Job {
	t.Helper()
	job := NewJob(jobID, template, nTasks, time.Minute, nil)
	job.now = h.clock.Now
	asm, err := assembler.New(jobID, template, nTasks, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("create assembler: %v", err)
	}
	if err := h.broker.EnqueueRegionalJob(job, asm); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func accessibilityResult(jobID string, taskID int, nPercentiles int) clusterapi.RegionalWorkResult {
	values := make([]int32, nPercentiles)
	for i := range values {
		values[i] = int32(taskID)
	}
	return clusterapi.RegionalWorkResult{
		JobID:         jobID,
		TaskID:        taskID,
		Accessibility: [][][]int32{{values}},
	}
}

func TestEnqueueDuplicateJobFails(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	h.enqueueJob(t, "job-1", testTemplate(2, 2), 4)
	job := NewJob("job-1", testTemplate(2, 2), 4, time.Minute, nil)
	asm, err := assembler.New("job-1-dup", testTemplate(2, 2), 4, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("create assembler: %v", err)
	}
	if err := h.broker.EnqueueRegionalJob(job, asm); err == nil {
		t.Fatalf("duplicate enqueue should fail")
	}
}

func TestEnqueueLaunchesOnDemandWorker(t *testing.T) {
	h := newTestBroker(t, Config{MaxWorkers: 100})
	h.enqueueJob(t, "job-1", testTemplate(2, 2), 4)
	calls := h.launcher.calls()
	if len(calls) != 1 || calls[0].nOnDemand != 1 || calls[0].nSpot != 0 {
		t.Fatalf("expected one on-demand launch, got %v", calls)
	}
	states := h.bus.regionalStates()
	if len(states) != 1 || states[0] != eventbus.RegionalAnalysisStarted {
		t.Fatalf("expected STARTED event, got %v", states)
	}
}

func TestEnqueueSkipsLaunchWhenWorkersExist(t *testing.T) {
	h := newTestBroker(t, Config{MaxWorkers: 100})
	h.broker.RecordWorkerObservation(workerStatus("w1", categoryA))
	h.enqueueJob(t, "job-1", testTemplate(2, 2), 4)
	if calls := h.launcher.calls(); len(calls) != 0 {
		t.Fatalf("expected no launches, got %v", calls)
	}
}

func TestGetSomeWorkMatchesCategory(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 10})
	h.enqueueJob(t, "job-1", testTemplate(8, 4), 32)

	if tasks := h.broker.GetSomeWork(categoryB, 4); len(tasks) != 0 {
		t.Fatalf("category B should get nothing, got %d tasks", len(tasks))
	}
	tasks := h.broker.GetSomeWork(categoryA, 4)
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	// Requests above the per-worker cap are clamped.
	tasks = h.broker.GetSomeWork(categoryA, 100)
	if len(tasks) != MaxTasksPerWorker {
		t.Fatalf("expected cap of %d tasks, got %d", MaxTasksPerWorker, len(tasks))
	}
	if tasks2 := h.broker.GetSomeWork(categoryA, 0); len(tasks2) != 0 {
		t.Fatalf("zero request should return nothing")
	}
}

func TestGetSomeWorkOfflineIgnoresCategory(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	h.enqueueJob(t, "job-1", testTemplate(2, 2), 4)
	if tasks := h.broker.GetSomeWork(categoryB, 2); len(tasks) != 2 {
		t.Fatalf("offline mode should deliver from any job, got %d", len(tasks))
	}
}

func TestResultForUnknownJobDiscarded(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	h.broker.HandleRegionalWorkResult(accessibilityResult("no-such-job", 0, 1))
	if len(h.bus.regionalStates()) != 0 {
		t.Fatalf("no events expected for unknown job")
	}
}

func TestWorkerReportedErrorStopsJob(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	job := h.enqueueJob(t, "job-1", testTemplate(2, 2), 4)
	h.broker.GetSomeWork(categoryA, 4)

	h.broker.HandleRegionalWorkResult(clusterapi.RegionalWorkResult{
		JobID: "job-1", TaskID: 1, Error: "street network out of memory",
	})
	if !job.IsErrored() {
		t.Fatalf("job should be errored")
	}
	if tasks := h.broker.GetSomeWork(categoryA, 4); len(tasks) != 0 {
		t.Fatalf("errored job must stop delivering")
	}
	// The job stays queryable with its error until explicitly deleted.
	statuses := h.broker.GetAllJobStatuses()
	if len(statuses) != 1 || len(statuses[0].Errors) != 1 {
		t.Fatalf("errored job should stay listed, got %v", statuses)
	}
	// Results after erroring are dropped on the inactive-job path.
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 2, 1))
	if job.CompletedCount() != 0 {
		t.Fatalf("inactive job must not accept completions")
	}
}

func TestMalformedResultRecordsJobError(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	job := h.enqueueJob(t, "job-1", testTemplate(2, 2), 4)
	h.broker.GetSomeWork(categoryA, 4)

	bad := clusterapi.RegionalWorkResult{
		JobID:         "job-1",
		TaskID:        0,
		Accessibility: [][][]int32{{{1, 2, 3}}}, // job has one percentile
	}
	h.broker.HandleRegionalWorkResult(bad)
	if !job.IsErrored() {
		t.Fatalf("malformed result should error the job")
	}
}

func TestRedeliveryCompletesExactlyOnce(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10, TestTaskRedelivery: true})
	template := testTemplate(4, 2)
	job := h.enqueueJob(t, "job-1", template, 8)

	// Worker A takes everything and crashes before reporting.
	if got := h.broker.GetSomeWork(categoryA, 8); len(got) != 8 {
		t.Fatalf("expected 8 tasks, got %d", len(got))
	}
	h.clock.Advance(2 * time.Minute)

	// Worker B picks up the expired tasks.
	redelivered := h.broker.GetSomeWork(categoryA, 8)
	if len(redelivered) != 8 {
		t.Fatalf("expected 8 redelivered tasks, got %d", len(redelivered))
	}

	// Both workers eventually report identical results for task 5.
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 5, 1))
	if job.CompletedCount() != 1 {
		t.Fatalf("expected 1 completion, got %d", job.CompletedCount())
	}
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 5, 1))
	if job.CompletedCount() != 1 {
		t.Fatalf("duplicate result must not complete twice")
	}

	for i := 0; i < 8; i++ {
		if i != 5 {
			h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", i, 1))
		}
	}
	if !job.IsComplete() {
		t.Fatalf("all results posted, job should be complete")
	}
	if h.broker.FindJob("job-1") != nil {
		t.Fatalf("completed job should be removed from the broker")
	}
	states := h.bus.regionalStates()
	if states[len(states)-1] != eventbus.RegionalAnalysisCompleted {
		t.Fatalf("expected COMPLETED event, got %v", states)
	}
	keys := h.storage.storedKeys()
	if len(keys) != 1 || keys[0] != "job-1_access.grid" {
		t.Fatalf("expected stored accessibility grid, got %v", keys)
	}
}

func transitTemplate(width, height int) clusterapi.AnalysisTask {
	template := testTemplate(width, height)
	template.HasTransit = true
	return template
}

func TestAutoscaleAtDesignatedEarlyTask(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 1000})
	// A worker exists at submit time so no on-demand request (and no launch
	// cooldown) is recorded.
	h.broker.RecordWorkerObservation(workerStatus("w1", categoryA))
	job := h.enqueueJob(t, "job-1", transitTemplate(400, 200), 80000)
	if job.NTasksTotal != 80000 {
		t.Fatalf("unexpected task count %d", job.NTasksTotal)
	}

	// The worker has since disappeared: zero current workers in category.
	h.clock.Advance(2 * DefaultLivenessWindow)

	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", AutoStartSpotInstancesAtTask, 1))

	calls := h.launcher.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one launch, got %v", calls)
	}
	// target = (80000/800) * (9/9) = 100, minus 0 running.
	if calls[0].nSpot != 100 || calls[0].nOnDemand != 0 {
		t.Fatalf("expected 100 spot workers, got %v", calls[0])
	}
}

func TestAutoscaleCappedByPathResults(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 1000})
	h.broker.RecordWorkerObservation(workerStatus("w1", categoryA))
	template := transitTemplate(400, 200)
	template.IncludePathResults = true
	h.enqueueJob(t, "job-1", template, 80000)
	h.clock.Advance(2 * DefaultLivenessWindow)

	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", AutoStartSpotInstancesAtTask, 1))

	calls := h.launcher.calls()
	if len(calls) != 1 || calls[0].nSpot != maxWorkersPathResults {
		t.Fatalf("expected cap of %d spot workers, got %v", maxWorkersPathResults, calls)
	}
}

func TestAutoscaleSkippedForOtherTasks(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 1000})
	h.broker.RecordWorkerObservation(workerStatus("w1", categoryA))
	h.enqueueJob(t, "job-1", transitTemplate(400, 200), 80000)
	h.clock.Advance(2 * DefaultLivenessWindow)
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 41, 1))
	if calls := h.launcher.calls(); len(calls) != 0 {
		t.Fatalf("no autoscale expected for task 41, got %v", calls)
	}
}

func TestZenoGuardHalvesRemainingCapacity(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 10})
	for i := 0; i < 4; i++ {
		h.broker.RecordWorkerObservation(workerStatus(fmt.Sprintf("w%d", i), categoryA))
	}
	// Remaining capacity 6, so at most 3 may start; the request is lowered
	// to spot-only.
	h.broker.CreateWorkersInCategory(categoryA, nil, 2, 3, eventbus.WorkerRoleRegional)
	calls := h.launcher.calls()
	if len(calls) != 1 || calls[0].nOnDemand != 0 || calls[0].nSpot != 3 {
		t.Fatalf("expected lowered request of 3 spot, got %v", calls)
	}
}

func TestZenoGuardRefusesAtCapacity(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 4})
	for i := 0; i < 4; i++ {
		h.broker.RecordWorkerObservation(workerStatus(fmt.Sprintf("w%d", i), categoryA))
	}
	h.broker.CreateWorkersInCategory(categoryA, nil, 0, 5, eventbus.WorkerRoleRegional)
	if calls := h.launcher.calls(); len(calls) != 0 {
		t.Fatalf("expected refusal at capacity, got %v", calls)
	}
}

func TestWorkerRequestCooldown(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 100})
	h.broker.CreateWorkersInCategory(categoryA, nil, 0, 2, eventbus.WorkerRoleRegional)
	h.clock.Advance(30 * time.Minute)
	h.broker.CreateWorkersInCategory(categoryA, nil, 0, 2, eventbus.WorkerRoleRegional)
	if calls := h.launcher.calls(); len(calls) != 1 {
		t.Fatalf("second request inside startup window should be skipped, got %v", calls)
	}
	// A different category is not affected by the cooldown.
	h.broker.CreateWorkersInCategory(categoryB, nil, 0, 1, eventbus.WorkerRoleRegional)
	if calls := h.launcher.calls(); len(calls) != 2 {
		t.Fatalf("other categories should not share the cooldown, got %v", calls)
	}
	// After the startup window the category may request again.
	h.clock.Advance(31 * time.Minute)
	h.broker.CreateWorkersInCategory(categoryA, nil, 0, 2, eventbus.WorkerRoleRegional)
	if calls := h.launcher.calls(); len(calls) != 3 {
		t.Fatalf("cooldown should have expired, got %v", calls)
	}
}

func TestCreateWorkersOfflineIsNoop(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 100})
	h.broker.CreateWorkersInCategory(categoryA, nil, 1, 5, eventbus.WorkerRoleRegional)
	if calls := h.launcher.calls(); len(calls) != 0 {
		t.Fatalf("offline broker must not launch workers, got %v", calls)
	}
}

func TestCreateWorkersRejectsNegativeCounts(t *testing.T) {
	h := newTestBroker(t, Config{Offline: false, MaxWorkers: 100})
	h.broker.CreateWorkersInCategory(categoryA, nil, -1, 5, eventbus.WorkerRoleRegional)
	if calls := h.launcher.calls(); len(calls) != 0 {
		t.Fatalf("negative request must be rejected, got %v", calls)
	}
}

func TestDeleteJobTerminatesAssembler(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	dir := t.TempDir()
	template := testTemplate(2, 2)
	job := NewJob("job-1", template, 4, time.Minute, nil)
	job.now = h.clock.Now
	asm, err := assembler.New("job-1", template, 4, dir, nil)
	if err != nil {
		t.Fatalf("create assembler: %v", err)
	}
	if err := h.broker.EnqueueRegionalJob(job, asm); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !h.broker.DeleteJob("job-1") {
		t.Fatalf("delete should succeed")
	}
	if h.broker.DeleteJob("job-1") {
		t.Fatalf("second delete should report missing job")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		t.Fatalf("temporary file %s should have been removed", filepath.Join(dir, e.Name()))
	}
	states := h.bus.regionalStates()
	if states[len(states)-1] != eventbus.RegionalAnalysisCanceled {
		t.Fatalf("expected CANCELED event, got %v", states)
	}
	// Results arriving after deletion take the unknown-job path.
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 0, 1))
}

func TestAnyJobsActive(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	if h.broker.AnyJobsActive() {
		t.Fatalf("no jobs yet")
	}
	job := h.enqueueJob(t, "job-1", testTemplate(2, 1), 2)
	if !h.broker.AnyJobsActive() {
		t.Fatalf("job should be active")
	}
	h.broker.GetSomeWork(categoryA, 2)
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 0, 1))
	h.broker.HandleRegionalWorkResult(accessibilityResult("job-1", 1, 1))
	if !job.IsComplete() {
		t.Fatalf("job should be complete")
	}
	if h.broker.AnyJobsActive() {
		t.Fatalf("completed job should not be active")
	}
}

func TestGetWorkerAddressOffline(t *testing.T) {
	h := newTestBroker(t, Config{Offline: true, MaxWorkers: 10})
	if got := h.broker.GetWorkerAddress(categoryA); got != "localhost" {
		t.Fatalf("offline address should be localhost, got %q", got)
	}
}
