package health

import (
	"fmt"
	"strings"
	"time"
)

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate creates a status by aggregating sub-statuses:
// - all healthy means healthy
// - any unhealthy means unhealthy
// - no unhealthy but at least one degraded means degraded
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	var unhealthy, degraded []string
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			unhealthy = append(unhealthy, sub.Component)
		} else if sub.IsDegraded() {
			degraded = append(degraded, sub.Component)
		}
	}

	// Name the failing artifacts so the bridge status is actionable
	// without drilling into sub-statuses
	var status Status
	switch {
	case len(unhealthy) > 0:
		status = NewUnhealthy(component,
			fmt.Sprintf("Unhealthy: %s", strings.Join(unhealthy, ", ")))
	case len(degraded) > 0:
		status = NewDegraded(component,
			fmt.Sprintf("Degraded: %s", strings.Join(degraded, ", ")))
	default:
		status = NewHealthy(component, "All components healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}
