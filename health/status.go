// Package health provides health monitoring for components and the system
package health

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
)

// Error message sanitization patterns. Health statuses are served over
// HTTP, so broker URLs and credentials must never leak through them.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"` // true if status is "healthy"
	Status      string    `json:"status"`  // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")

	return sanitized
}

// FromComponentHealth converts a component.HealthStatus to a health.Status.
// A running artifact that has accumulated reconcile or forwarding errors
// is reported degraded rather than healthy.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	status := "unhealthy"
	message := "Component healthy"

	switch {
	case ch.Healthy && ch.ErrorCount > 0:
		status = "degraded"
		message = fmt.Sprintf("Running with %d errors", ch.ErrorCount)
		if ch.LastError != "" {
			message += ", last: " + sanitizeErrorMessage(ch.LastError)
		}
	case ch.Healthy:
		status = "healthy"
	default:
		message = "Component not running"
		if ch.LastError != "" {
			message = sanitizeErrorMessage(ch.LastError)
		}
	}

	metrics := &Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	}

	return Status{
		Component: name,
		Healthy:   status == "healthy",
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}
