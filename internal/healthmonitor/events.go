package healthmonitor

import (
	"context"
	"fmt"

	"github.com/albumqr/albumqr-mesh/internal/eventbus"
	"github.com/albumqr/albumqr-mesh/internal/health"
)

// HealthChangedHandler records the transitions other processes announce
// about themselves. Events this monitor published are ignored so its own
// check results are not overwritten.
func HealthChangedHandler(cache *Cache, self string) eventbus.Handler {
	return func(_ context.Context, e eventbus.Event) error {
		if e.ServiceName == self {
			return nil
		}
		service, _ := e.Data["service"].(string)
		if service == "" {
			service = e.ServiceName
		}
		if service == "" {
			return fmt.Errorf("health change event %s names no service", e.ID)
		}
		current, _ := e.Data["current_status"].(string)
		status := health.Status(current)
		switch status {
		case health.StatusHealthy, health.StatusDegraded, health.StatusUnhealthy:
		default:
			status = health.StatusUnknown
		}

		message := ""
		if failing, ok := e.Data["failing"].([]any); ok && len(failing) > 0 {
			message = fmt.Sprintf("failing dependencies: %v", failing)
		}
		cache.Update(Report{
			ServiceID:   "event:" + service,
			ServiceName: service,
			Status:      status,
			Source:      SourceEvent,
			Message:     message,
		})
		return nil
	}
}
