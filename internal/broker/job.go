package broker

import (
	"fmt"
	"time"

	"github.com/AccessibilityObservatory/r5/internal/pointset"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// DefaultRedeliveryTimeout is how long a delivered task may stay unfinished
// before it becomes eligible for redelivery. Regional origin tasks usually
// finish in seconds; ten minutes absorbs slow networks and worker GC pauses
// without stranding tasks on crashed workers for long.
const DefaultRedeliveryTimeout = 10 * time.Minute

// MinRedeliveryTimeout floors per-job overrides so a misconfigured job cannot
// thrash the queue with instant redeliveries.
const MinRedeliveryTimeout = 30 * time.Second

// Job is one regional analysis: a template task plus per-origin delivery and
// completion bookkeeping. All mutation happens under the broker lock.
type Job struct {
	JobID        string
	Category     clusterapi.WorkerCategory
	Tags         map[string]string
	TemplateTask clusterapi.AnalysisTask
	NTasksTotal  int

	RedeliveryTimeout time.Duration
	CreatedAt         time.Time

	// Errors accumulates worker-reported and broker-side failures. The first
	// entry flips the job to errored: it stops delivering but stays visible
	// until the user deletes it.
	Errors []string

	delivered *bitset
	completed *bitset
	deadlines []time.Time

	originGrid pointset.GridExtents

	now func() time.Time
}

// NewJob expands a validated template into job bookkeeping for nTasks origins.
func NewJob(jobID string, template clusterapi.AnalysisTask, nTasks int, redelivery time.Duration, tags map[string]string) *Job {
	if redelivery <= 0 {
		redelivery = DefaultRedeliveryTimeout
	}
	if redelivery < MinRedeliveryTimeout {
		redelivery = MinRedeliveryTimeout
	}
	return &Job{
		JobID:             jobID,
		Category:          template.Category(),
		Tags:              tags,
		TemplateTask:      template,
		NTasksTotal:       nTasks,
		RedeliveryTimeout: redelivery,
		CreatedAt:         time.Now(),
		delivered:         newBitset(nTasks),
		completed:         newBitset(nTasks),
		deadlines:         make([]time.Time, nTasks),
		originGrid: pointset.GridExtents{
			Zoom: template.Zoom, West: template.West, North: template.North,
			Width: template.Width, Height: template.Height,
		},
		now: time.Now,
	}
}

func (j *Job) IsErrored() bool { return len(j.Errors) > 0 }

func (j *Job) IsComplete() bool { return j.completed.cardinality() == j.NTasksTotal }

func (j *Job) IsActive() bool { return !j.IsErrored() && !j.IsComplete() }

func (j *Job) DeliveredCount() int { return j.delivered.cardinality() }

func (j *Job) CompletedCount() int { return j.completed.cardinality() }

// HasTasksToDeliver is true when some origin was never delivered, or was
// delivered but not completed and its redelivery deadline has passed.
// An errored job never delivers.
func (j *Job) HasTasksToDeliver() bool {
	if !j.IsActive() {
		return false
	}
	if j.delivered.cardinality() < j.NTasksTotal {
		return true
	}
	now := j.now()
	for i := 0; i < j.NTasksTotal; i++ {
		if !j.completed.get(i) && now.After(j.deadlines[i]) {
			return true
		}
	}
	return false
}

// GenerateSomeTasksToDeliver returns up to max tasks, marking each delivered
// and stamping its redelivery deadline. Never-delivered origins go out first,
// lowest index first, so redeliveries cannot starve the head of the job and
// the long tail keeps moving.
func (j *Job) GenerateSomeTasksToDeliver(max int) []clusterapi.RegionalTask {
	if max <= 0 || !j.IsActive() {
		return nil
	}
	now := j.now()
	deadline := now.Add(j.RedeliveryTimeout)
	tasks := make([]clusterapi.RegionalTask, 0, max)

	for i := 0; i < j.NTasksTotal && len(tasks) < max; i++ {
		if !j.delivered.get(i) {
			j.delivered.set(i)
			j.deadlines[i] = deadline
			tasks = append(tasks, j.makeTask(i))
		}
	}
	for i := 0; i < j.NTasksTotal && len(tasks) < max; i++ {
		if j.delivered.get(i) && !j.completed.get(i) && now.After(j.deadlines[i]) {
			j.deadlines[i] = deadline
			tasks = append(tasks, j.makeTask(i))
		}
	}
	return tasks
}

// makeTask materializes one origin's task from the template. Tasks are built
// lazily at delivery; only the bitmaps and deadlines persist per origin.
func (j *Job) makeTask(taskID int) clusterapi.RegionalTask {
	task := j.TemplateTask
	task.Type = clusterapi.TaskRegional
	task.JobID = j.JobID
	task.TaskID = taskID
	task.FromLat, task.FromLon = j.originGrid.CellOrigin(taskID)
	return task
}

// MarkTaskCompleted sets the completion bit for a task. Returns false when
// the id is out of range or the bit was already set, making replays no-ops.
// The delivery bit is set too, preserving completed ⊆ delivered even for
// results that arrive after a broker restart lost the delivery bitmap.
func (j *Job) MarkTaskCompleted(taskID int) bool {
	if taskID < 0 || taskID >= j.NTasksTotal {
		return false
	}
	if !j.completed.set(taskID) {
		return false
	}
	j.delivered.set(taskID)
	return true
}

// VerifyComplete panics if completion accounting is inconsistent at the
// moment the job finishes; a broken bitmap here means the output file has
// holes and must not be stored.
func (j *Job) VerifyComplete() {
	if j.completed.cardinality() != j.NTasksTotal || j.delivered.cardinality() != j.NTasksTotal {
		panic(fmt.Sprintf("job %s finished with %d/%d completed, %d delivered",
			j.JobID, j.completed.cardinality(), j.NTasksTotal, j.delivered.cardinality()))
	}
}

// bitset is a fixed-size bitmap with a cached cardinality. Jobs track tens of
// thousands of origins; two words of bookkeeping per 64 origins keeps the
// whole thing in cache during delivery scans.
type bitset struct {
	words []uint64
	n     int
	count int
}

func newBitset(n int) *bitset {
	return &bitset{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) get(i int) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

// set sets bit i, reporting whether it was newly set.
func (b *bitset) set(i int) bool {
	w, mask := i/64, uint64(1)<<(i%64)
	if b.words[w]&mask != 0 {
		return false
	}
	b.words[w] |= mask
	b.count++
	return true
}

func (b *bitset) cardinality() int { return b.count }
