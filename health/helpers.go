package health

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status values, ordered from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

func severity(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy returns a healthy status stamped now.
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewUnhealthy returns an unhealthy status stamped now.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// NewDegraded returns a degraded status stamped now.
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// Aggregate reports the worst of subStatuses, which are copied into the
// result. An empty set is healthy.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No components registered")
	}

	worst := StatusHealthy
	var affected []string
	for _, sub := range subStatuses {
		if severity(sub.Status) > severity(worst) {
			worst = sub.Status
			affected = affected[:0]
		}
		if sub.Status == worst && worst != StatusHealthy {
			affected = append(affected, sub.Component)
		}
	}
	if severity(worst) >= severity(StatusUnhealthy) {
		worst = StatusUnhealthy
	}

	message := "All components healthy"
	if len(affected) > 0 {
		message = fmt.Sprintf("%s: %s", worst, strings.Join(affected, ", "))
	}

	status := newStatus(component, worst, message)
	status.SubStatuses = slices.Clone(subStatuses)
	return status
}
