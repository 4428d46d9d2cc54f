package healthmonitor

import (
	"sort"
	"sync"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/health"
)

// Report holds the latest known health of one service instance.
type Report struct {
	ServiceID   string            `json:"service_id"`
	ServiceName string            `json:"service_name"`
	URL         string            `json:"url,omitempty"`
	Status      health.Status     `json:"status"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Source      string            `json:"source"`
	Message     string            `json:"message,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Cache is a thread-safe store of the latest reports, keyed by service ID.
type Cache struct {
	mu      sync.RWMutex
	reports map[string]Report
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		reports: make(map[string]Report),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Update stores r, stamping it with the current time, and returns the
// status it replaced (StatusUnknown when the instance was not tracked).
func (c *Cache) Update(r Report) health.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := health.StatusUnknown
	if old, ok := c.reports[r.ServiceID]; ok {
		previous = old.Status
	}
	r.UpdatedAt = c.now()
	c.reports[r.ServiceID] = r
	return previous
}

// Get returns the report for serviceID.
func (c *Cache) Get(serviceID string) (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[serviceID]
	return r, ok
}

// GetAll returns every report ordered by service name then ID.
func (c *Cache) GetAll() []Report {
	c.mu.RLock()
	out := make([]Report, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

// GetByService returns the reports of one service.
func (c *Cache) GetByService(serviceName string) []Report {
	out := []Report{}
	for _, r := range c.GetAll() {
		if r.ServiceName == serviceName {
			out = append(out, r)
		}
	}
	return out
}

// Remove forgets serviceID.
func (c *Cache) Remove(serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reports, serviceID)
}

// Summary counts reports by status.
func (c *Cache) Summary() map[health.Status]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[health.Status]int)
	for _, r := range c.reports {
		out[r.Status]++
	}
	return out
}
