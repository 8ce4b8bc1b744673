package broker

import (
	"sync"
	"time"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// DefaultLivenessWindow is how long a worker stays "fresh" after its last
// poll. Workers poll about once a second even when busy, so a minute of
// silence means the instance is gone or wedged.
const DefaultLivenessWindow = 60 * time.Second

// WorkerObservation is what the catalog knows about one worker: the last
// status it sent and when it sent it. LastSeen never decreases.
type WorkerObservation struct {
	Status   clusterapi.WorkerStatus
	LastSeen time.Time
}

// WorkerCatalog tracks the churning population of workers that have polled
// recently, indexed by worker id and by category. It has its own lock and is
// safe to use without holding the broker lock. Stale observations are purged
// lazily on every access.
type WorkerCatalog struct {
	mu             sync.Mutex
	observations   map[string]*WorkerObservation
	byCategory     map[clusterapi.WorkerCategory]map[string]struct{}
	singlePoint    map[clusterapi.WorkerCategory]string
	livenessWindow time.Duration
	now            func() time.Time
}

func NewWorkerCatalog() *WorkerCatalog {
	return &WorkerCatalog{
		observations:   make(map[string]*WorkerObservation),
		byCategory:     make(map[clusterapi.WorkerCategory]map[string]struct{}),
		singlePoint:    make(map[clusterapi.WorkerCategory]string),
		livenessWindow: DefaultLivenessWindow,
		now:            time.Now,
	}
}

// Catalog upserts the observation for a worker, stamping the current time.
func (c *WorkerCatalog) Catalog(status clusterapi.WorkerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	now := c.now()
	if obs, ok := c.observations[status.WorkerID]; ok {
		oldCategory := obs.Status.Category
		obs.Status = status
		if !now.Before(obs.LastSeen) {
			obs.LastSeen = now
		}
		if oldCategory != status.Category {
			c.removeFromCategoryLocked(oldCategory, status.WorkerID)
			c.addToCategoryLocked(status.Category, status.WorkerID)
		}
		return
	}
	c.observations[status.WorkerID] = &WorkerObservation{Status: status, LastSeen: now}
	c.addToCategoryLocked(status.Category, status.WorkerID)
}

func (c *WorkerCatalog) addToCategoryLocked(category clusterapi.WorkerCategory, workerID string) {
	set, ok := c.byCategory[category]
	if !ok {
		set = make(map[string]struct{})
		c.byCategory[category] = set
	}
	set[workerID] = struct{}{}
}

func (c *WorkerCatalog) removeFromCategoryLocked(category clusterapi.WorkerCategory, workerID string) {
	if set, ok := c.byCategory[category]; ok {
		delete(set, workerID)
		if len(set) == 0 {
			delete(c.byCategory, category)
		}
	}
	if c.singlePoint[category] == workerID {
		delete(c.singlePoint, category)
	}
}

func (c *WorkerCatalog) purgeLocked() {
	cutoff := c.now().Add(-c.livenessWindow)
	for id, obs := range c.observations {
		if obs.LastSeen.Before(cutoff) {
			delete(c.observations, id)
			c.removeFromCategoryLocked(obs.Status.Category, id)
		}
	}
}

// ActiveWorkersPerCategory returns the multiset of categories over fresh
// observations.
func (c *WorkerCatalog) ActiveWorkersPerCategory() map[clusterapi.WorkerCategory]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	out := make(map[clusterapi.WorkerCategory]int, len(c.byCategory))
	for category, set := range c.byCategory {
		out[category] = len(set)
	}
	return out
}

func (c *WorkerCatalog) CountWorkersInCategory(category clusterapi.WorkerCategory) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	return len(c.byCategory[category])
}

func (c *WorkerCatalog) TotalWorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	return len(c.observations)
}

// NoWorkersAvailable reports whether no fresh worker can serve the category.
// Offline deployments run version-mismatched workers on local networks, so
// any live worker counts there.
func (c *WorkerCatalog) NoWorkersAvailable(category clusterapi.WorkerCategory, offline bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	if offline {
		return len(c.observations) == 0
	}
	return len(c.byCategory[category]) == 0
}

// SinglePointWorkerAddress returns the address of a fresh worker in the
// category advertising single-point capability, or "". The assignment is
// sticky so interactive requests keep hitting the same warm worker.
func (c *WorkerCatalog) SinglePointWorkerAddress(category clusterapi.WorkerCategory) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	if id, ok := c.singlePoint[category]; ok {
		if obs, live := c.observations[id]; live && obs.Status.SinglePointCapable {
			return obs.Status.IPAddress
		}
		delete(c.singlePoint, category)
	}
	for id := range c.byCategory[category] {
		obs := c.observations[id]
		if obs.Status.SinglePointCapable && obs.Status.IPAddress != "" {
			c.singlePoint[category] = id
			return obs.Status.IPAddress
		}
	}
	return ""
}

// UnregisterSinglePointWorker drops the sticky assignment so the next
// interactive request picks a new worker.
func (c *WorkerCatalog) UnregisterSinglePointWorker(category clusterapi.WorkerCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.singlePoint, category)
}

// Observations returns serializable views of all fresh observations.
func (c *WorkerCatalog) Observations() []clusterapi.WorkerObservationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	out := make([]clusterapi.WorkerObservationView, 0, len(c.observations))
	for _, obs := range c.observations {
		out = append(out, clusterapi.WorkerObservationView{
			WorkerID:           obs.Status.WorkerID,
			Category:           obs.Status.Category,
			IPAddress:          obs.Status.IPAddress,
			TasksInFlight:      obs.Status.TasksInFlight,
			SinglePointCapable: obs.Status.SinglePointCapable,
			LastSeen:           obs.LastSeen,
		})
	}
	return out
}
