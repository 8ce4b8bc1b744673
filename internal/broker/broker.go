// Package broker distributes the origin tasks of regional jobs to a dynamic
// fleet of workers, reassembles their results, and grows the fleet when a job
// is observed to be making progress.
//
// Workers short-poll for work declaring their network affinity; the broker
// hands out tasks from jobs on the same network so workers keep serving the
// network they already hold in memory. Polls double as heartbeats, which
// keeps the catalog accurate even when workers are saturated and request no
// new tasks.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AccessibilityObservatory/r5/internal/assembler"
	"github.com/AccessibilityObservatory/r5/internal/eventbus"
	"github.com/AccessibilityObservatory/r5/internal/files"
	"github.com/AccessibilityObservatory/r5/internal/launcher"
	"github.com/AccessibilityObservatory/r5/internal/observability"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

const (
	// MaxTasksPerWorker caps one poll's delivery. Bigger batches would let a
	// single worker drain a small job and leave the rest of the fleet idle,
	// a slow-joiner problem when tasks are expensive.
	MaxTasksPerWorker = 16

	// Spot targets used by the autoscaler. Transit tasks are far more
	// expensive per origin than street-only tasks.
	TargetTasksPerWorkerTransit    = 800
	TargetTasksPerWorkerNonTransit = 4000

	// AutoStartSpotInstancesAtTask picks an arbitrary early task: once its
	// result arrives the job is demonstrably running smoothly and is worth
	// accelerating with spot capacity.
	AutoStartSpotInstancesAtTask = 42

	// MaxWorkersPerCategory bounds any single automatic spot request.
	MaxWorkersPerCategory = 250

	// Guardrails for task shapes that are still being shaken out.
	maxWorkersFreeformOrigins = 80
	maxWorkersPathResults     = 20

	// WorkerStartupTime is how long requested workers get to boot before the
	// broker will consider requesting more for the same category.
	WorkerStartupTime = 60 * time.Minute
)

// ErrDuplicateJob is returned when a job id is enqueued twice.
var ErrDuplicateJob = errors.New("job already exists")

type Config struct {
	Offline            bool
	MaxWorkers         int
	TestTaskRedelivery bool
}

// Broker is the central scheduler. The job multimap, assembler map, and
// recently-requested-workers map are all guarded by one mutex; everything
// slow (disk writes, storage uploads, launching, event delivery) happens
// outside it.
type Broker struct {
	cfg            Config
	fileStorage    files.Storage
	eventBus       eventbus.Bus
	workerLauncher launcher.WorkerLauncher
	catalog        *WorkerCatalog
	metrics        *observability.Metrics
	log            *slog.Logger
	now            func() time.Time

	mu                       sync.Mutex
	jobs                     map[clusterapi.WorkerCategory][]*Job
	resultAssemblers         map[string]*assembler.MultiOriginAssembler
	recentlyRequestedWorkers map[clusterapi.WorkerCategory]time.Time
}

func New(cfg Config, storage files.Storage, bus eventbus.Bus, wl launcher.WorkerLauncher, metrics *observability.Metrics, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		cfg:                      cfg,
		fileStorage:              storage,
		eventBus:                 bus,
		workerLauncher:           wl,
		catalog:                  NewWorkerCatalog(),
		metrics:                  metrics,
		log:                      log,
		now:                      time.Now,
		jobs:                     make(map[clusterapi.WorkerCategory][]*Job),
		resultAssemblers:         make(map[string]*assembler.MultiOriginAssembler),
		recentlyRequestedWorkers: make(map[clusterapi.WorkerCategory]time.Time),
	}
}

// Catalog exposes the worker catalog for read paths (worker listings,
// single-point address lookups go through Broker methods instead).
func (b *Broker) Catalog() *WorkerCatalog { return b.catalog }

// EnqueueRegionalJob registers a job and its assembler, fires STARTED, and
// starts one on-demand worker when none exist for the category yet.
func (b *Broker) EnqueueRegionalJob(job *Job, asm *assembler.MultiOriginAssembler) error {
	b.mu.Lock()
	if b.findJobLocked(job.JobID) != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.JobID)
	}
	b.jobs[job.Category] = append(b.jobs[job.Category], job)
	b.resultAssemblers[job.JobID] = asm
	b.metrics.SetJobsActive(b.countActiveJobsLocked())
	b.mu.Unlock()

	b.log.Info("enqueued regional job", "jobId", job.JobID, "category", job.Category, "nTasks", job.NTasksTotal)

	if !b.cfg.TestTaskRedelivery {
		// Redelivery tests run against a fake job with no real network; do
		// not confuse the worker startup path with it.
		if b.catalog.NoWorkersAvailable(job.Category, b.cfg.Offline) {
			b.createOnDemandWorkerInCategory(job.Category, job.Tags)
		} else {
			b.mu.Lock()
			delete(b.recentlyRequestedWorkers, job.Category)
			b.mu.Unlock()
		}
	}
	b.eventBus.Send(eventbus.RegionalAnalysisEvent{
		JobID: job.JobID, State: eventbus.RegionalAnalysisStarted,
		Category: job.Category, NTasksTotal: job.NTasksTotal, Tags: job.Tags,
	})
	return nil
}

func (b *Broker) createOnDemandWorkerInCategory(category clusterapi.WorkerCategory, tags map[string]string) {
	b.CreateWorkersInCategory(category, tags, 1, 0, eventbus.WorkerRoleRegional)
}

// CreateWorkersInCategory asks the launcher for workers after applying the
// fleet guards. The role tags the resulting WorkerEvents with the kind of
// work the fleet is being grown for; it does not affect scheduling. Failures
// are logged rather than returned: this runs inside worker poll handling
// where an error would reach nobody useful.
func (b *Broker) CreateWorkersInCategory(category clusterapi.WorkerCategory, tags map[string]string, nOnDemand, nSpot int, role eventbus.WorkerRole) {
	if b.cfg.Offline {
		b.log.Info("offline mode, not creating workers", "category", category)
		return
	}
	if nOnDemand < 0 || nSpot < 0 {
		b.log.Error("negative worker request ignored", "onDemand", nOnDemand, "spot", nSpot)
		return
	}
	nRequested := nOnDemand + nSpot
	if nRequested <= 0 {
		return
	}

	// Zeno's fleet management: never start more than half the remaining
	// capacity, so a burst of jobs cannot jump straight to the ceiling.
	remainingCapacity := b.cfg.MaxWorkers - b.catalog.TotalWorkerCount()
	maxToStart := remainingCapacity / 2
	if maxToStart <= 0 {
		b.log.Error("at capacity, not starting workers", "maxWorkers", b.cfg.MaxWorkers, "category", category)
		return
	}
	if nRequested > maxToStart {
		b.log.Warn("worker request exceeds half of remaining capacity, lowering",
			"requested", nRequested, "lowered", maxToStart)
		nSpot = maxToStart
		nOnDemand = 0
	}

	if b.catalog.TotalWorkerCount()+nOnDemand+nSpot > b.cfg.MaxWorkers {
		b.log.Error("request would exceed max workers, jobs may stall",
			"maxWorkers", b.cfg.MaxWorkers, "category", category)
		return
	}

	b.mu.Lock()
	requestedAt, pending := b.recentlyRequestedWorkers[category]
	if pending && requestedAt.After(b.now().Add(-WorkerStartupTime)) {
		b.mu.Unlock()
		b.log.Debug("workers still starting, not requesting more", "category", category)
		return
	}
	b.recentlyRequestedWorkers[category] = b.now()
	b.mu.Unlock()

	b.workerLauncher.Launch(category, tags, nOnDemand, nSpot)
	if nSpot > 0 {
		b.metrics.IncWorkersRequested("spot", nSpot)
		b.eventBus.Send(eventbus.WorkerEvent{
			Role: role, Category: category,
			Action: eventbus.WorkerRequested, Count: nSpot,
		})
	}
	if nOnDemand > 0 {
		b.metrics.IncWorkersRequested("on-demand", nOnDemand)
		b.eventBus.Send(eventbus.WorkerEvent{
			Role: role, Category: category,
			Action: eventbus.WorkerRequested, Count: nOnDemand,
		})
	}
	b.log.Info("requested workers", "onDemand", nOnDemand, "spot", nSpot, "category", category)
}

// GetSomeWork returns up to min(maxTasksRequested, MaxTasksPerWorker) tasks
// from an active job matching the worker's category; in offline mode any
// active job qualifies. Always returns a usable (possibly empty) slice.
func (b *Broker) GetSomeWork(category clusterapi.WorkerCategory, maxTasksRequested int) []clusterapi.RegionalTask {
	b.metrics.IncPollRequests()
	if maxTasksRequested <= 0 {
		return nil
	}
	if maxTasksRequested > MaxTasksPerWorker {
		maxTasksRequested = MaxTasksPerWorker
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var job *Job
	if b.cfg.Offline {
		for _, jobsInCategory := range b.jobs {
			for _, j := range jobsInCategory {
				if j.HasTasksToDeliver() {
					job = j
					break
				}
			}
			if job != nil {
				break
			}
		}
	} else {
		for _, j := range b.jobs[category] {
			if j.HasTasksToDeliver() {
				job = j
				break
			}
		}
	}
	if job == nil {
		return nil
	}
	tasks := job.GenerateSomeTasksToDeliver(maxTasksRequested)
	b.metrics.IncTasksDelivered(job.Category.NetworkID, len(tasks))
	return tasks
}

// HandleRegionalWorkResult slots one origin result into the right assembler
// and, at the designated early task, considers growing the fleet. Nothing is
// allowed to propagate out of here: any failure becomes a job error plus an
// ErrorEvent.
func (b *Broker) HandleRegionalWorkResult(result clusterapi.RegionalWorkResult) {
	var job *Job
	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("handling result for job %s task %d: %v", result.JobID, result.TaskID, r)
			b.recordJobError(job, detail)
			b.eventBus.Send(eventbus.ErrorEvent{Message: "panic in result handling", Detail: detail, JobID: result.JobID})
		}
	}()

	var asm *assembler.MultiOriginAssembler
	var jobCompleted bool

	b.mu.Lock()
	job = b.findJobLocked(result.JobID)
	asm = b.resultAssemblers[result.JobID]
	if job == nil || asm == nil || !job.IsActive() {
		// Expected after deletion or erroring: in-flight workers keep
		// posting results for a while.
		b.mu.Unlock()
		b.metrics.IncResultsDiscarded("unknown-job")
		b.log.Debug("ignoring result for unknown or inactive job", "jobId", result.JobID)
		return
	}
	if result.Error != "" {
		job.Errors = append(job.Errors, result.Error)
		b.metrics.SetJobsActive(b.countActiveJobsLocked())
		b.mu.Unlock()
		b.metrics.IncResultsDiscarded("worker-error")
		b.log.Warn("worker reported task error", "jobId", result.JobID, "taskId", result.TaskID, "error", result.Error)
		b.eventBus.Send(eventbus.ErrorEvent{Message: "worker reported task error", Detail: result.Error, JobID: result.JobID})
		return
	}
	// Mark complete before touching the assembler: on the final result this
	// makes the job invisible to stray redeliveries before finalization
	// starts, so a late duplicate cannot race the finalize step.
	if job.MarkTaskCompleted(result.TaskID) {
		b.metrics.IncTasksCompleted(job.Category.NetworkID)
	}
	if job.IsComplete() {
		job.VerifyComplete()
		b.removeJobLocked(job)
		delete(b.resultAssemblers, job.JobID)
		jobCompleted = true
		b.metrics.SetJobsActive(b.countActiveJobsLocked())
	}
	b.mu.Unlock()

	// Assembly and storage are deliberately outside the critical section:
	// they hit the disk and object storage and would stall every polling
	// worker if done under the lock.
	resultFiles, err := asm.HandleMessage(result)
	if err != nil {
		b.recordJobError(job, err.Error())
		b.eventBus.Send(eventbus.ErrorEvent{Message: "result assembly failed", Detail: err.Error(), JobID: result.JobID})
		b.metrics.IncResultsDiscarded("malformed")
		return
	}
	for key, path := range resultFiles {
		if err := b.fileStorage.MoveIntoStorage(key, path); err != nil {
			b.recordJobError(job, fmt.Sprintf("storing %s: %v", key, err))
			b.eventBus.Send(eventbus.ErrorEvent{Message: "storing result file failed", Detail: err.Error(), JobID: result.JobID})
			return
		}
	}
	if jobCompleted {
		b.eventBus.Send(eventbus.RegionalAnalysisEvent{
			JobID: job.JobID, State: eventbus.RegionalAnalysisCompleted,
			Category: job.Category, NTasksTotal: job.NTasksTotal, Tags: job.Tags,
		})
		b.log.Info("regional job completed", "jobId", job.JobID)
	}

	if result.TaskID == AutoStartSpotInstancesAtTask {
		b.requestExtraWorkersIfAppropriate(job)
	}
}

// requestExtraWorkersIfAppropriate sizes a spot request from the job's task
// count. Only immutable job fields are read, so no lock is needed.
func (b *Broker) requestExtraWorkersIfAppropriate(job *Job) {
	category := job.Category
	alreadyRunning := b.catalog.CountWorkersInCategory(category)
	if alreadyRunning >= MaxWorkersPerCategory {
		return
	}
	var target int
	if job.TemplateTask.HasTransit {
		// Origins are a poor proxy for stop density at high zooms; scale the
		// target down as zoom grows.
		transitScale := 9.0 / float64(job.TemplateTask.Zoom)
		target = int(float64(job.NTasksTotal/TargetTasksPerWorkerTransit) * transitScale)
	} else {
		target = job.NTasksTotal / TargetTasksPerWorkerNonTransit
	}
	if target > MaxWorkersPerCategory {
		target = MaxWorkersPerCategory
	}
	if job.TemplateTask.OriginPointSetKey != "" && target > maxWorkersFreeformOrigins {
		target = maxWorkersFreeformOrigins
	}
	if job.TemplateTask.IncludePathResults && target > maxWorkersPathResults {
		target = maxWorkersPathResults
	}
	nSpot := target - alreadyRunning
	if nSpot > 0 {
		b.CreateWorkersInCategory(category, job.Tags, 0, nSpot, eventbus.WorkerRoleRegional)
	}
}

func (b *Broker) recordJobError(job *Job, message string) {
	if job == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	job.Errors = append(job.Errors, message)
	b.metrics.SetJobsActive(b.countActiveJobsLocked())
}

// DeleteJob removes a job, terminates its assembler (deleting temporary
// files) and fires CANCELED. Returns false when the job does not exist.
func (b *Broker) DeleteJob(jobID string) bool {
	b.mu.Lock()
	job := b.findJobLocked(jobID)
	if job == nil {
		b.mu.Unlock()
		return false
	}
	b.removeJobLocked(job)
	asm := b.resultAssemblers[jobID]
	delete(b.resultAssemblers, jobID)
	b.metrics.SetJobsActive(b.countActiveJobsLocked())
	b.mu.Unlock()

	if asm != nil {
		if err := asm.Terminate(); err != nil {
			b.log.Error("terminating assembler may have leaked disk space", "jobId", jobID, "error", err)
		}
	}
	b.eventBus.Send(eventbus.RegionalAnalysisEvent{
		JobID: jobID, State: eventbus.RegionalAnalysisCanceled,
		Category: job.Category, NTasksTotal: job.NTasksTotal, Tags: job.Tags,
	})
	return true
}

// RecordWorkerObservation forwards a poll's status to the catalog.
func (b *Broker) RecordWorkerObservation(status clusterapi.WorkerStatus) {
	b.catalog.Catalog(status)
	b.metrics.SetWorkersObserved(b.catalog.TotalWorkerCount())
}

// FindJob returns the job with the given id, or nil.
func (b *Broker) FindJob(jobID string) *Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findJobLocked(jobID)
}

func (b *Broker) findJobLocked(jobID string) *Job {
	for _, jobsInCategory := range b.jobs {
		for _, j := range jobsInCategory {
			if j.JobID == jobID {
				return j
			}
		}
	}
	return nil
}

func (b *Broker) removeJobLocked(job *Job) {
	jobsInCategory := b.jobs[job.Category]
	for i, j := range jobsInCategory {
		if j == job {
			b.jobs[job.Category] = append(jobsInCategory[:i], jobsInCategory[i+1:]...)
			break
		}
	}
	if len(b.jobs[job.Category]) == 0 {
		delete(b.jobs, job.Category)
	}
}

func (b *Broker) countActiveJobsLocked() int {
	n := 0
	for _, jobsInCategory := range b.jobs {
		for _, j := range jobsInCategory {
			if j.IsActive() {
				n++
			}
		}
	}
	return n
}

// AnyJobsActive reports whether any registered job is still delivering.
func (b *Broker) AnyJobsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countActiveJobsLocked() > 0
}

// GetAllJobStatuses returns the read-only view of every registered job,
// including per-category active worker counts from the catalog.
func (b *Broker) GetAllJobStatuses() []clusterapi.JobStatusResponse {
	workersPerCategory := b.catalog.ActiveWorkersPerCategory()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]clusterapi.JobStatusResponse, 0)
	for _, jobsInCategory := range b.jobs {
		for _, j := range jobsInCategory {
			out = append(out, clusterapi.JobStatusResponse{
				JobID:         j.JobID,
				Category:      j.Category,
				NTasksTotal:   j.NTasksTotal,
				Delivered:     j.DeliveredCount(),
				Complete:      j.CompletedCount(),
				Errors:        j.Errors,
				Active:        j.IsActive(),
				ActiveWorkers: workersPerCategory[j.Category],
				CreatedAt:     j.CreatedAt,
			})
		}
	}
	return out
}

// GetWorkerAddress returns the address of a single-point-capable worker for
// the category, or "" when none exists and the caller should start one.
// Offline mode always points at the local worker.
func (b *Broker) GetWorkerAddress(category clusterapi.WorkerCategory) string {
	if b.cfg.Offline {
		return "localhost"
	}
	return b.catalog.SinglePointWorkerAddress(category)
}

// UnregisterSinglePointWorker releases the sticky single-point assignment.
func (b *Broker) UnregisterSinglePointWorker(category clusterapi.WorkerCategory) {
	b.catalog.UnregisterSinglePointWorker(category)
}

// Shutdown terminates all assemblers, releasing their temporary files. Jobs
// in flight will be resubmitted by their owners; partial assembly state is
// not recoverable across restarts.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	assemblers := make([]*assembler.MultiOriginAssembler, 0, len(b.resultAssemblers))
	for _, asm := range b.resultAssemblers {
		assemblers = append(assemblers, asm)
	}
	b.resultAssemblers = make(map[string]*assembler.MultiOriginAssembler)
	b.mu.Unlock()
	for _, asm := range assemblers {
		if err := asm.Terminate(); err != nil {
			b.log.Warn("assembler termination during shutdown", "error", err)
		}
	}
}
