// Package health reports the state of the synthiot components (transport
// connection, device registry, event bus) and aggregates them for the
// metrics server's /health endpoint.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`(?i)(tcp|ssl|ws|wss|mqtt|mqtts|nats|https?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries activity counters reported alongside a status
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return Level(s.Status) == LevelHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return Level(s.Status) == LevelDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return Level(s.Status) == LevelUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitize strips broker URLs, addresses and credentials from error text
// before it is exposed over HTTP.
func sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")
	lower := strings.ToLower(out)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// FromError builds a status from an operation result. A nil error is
// healthy; transient errors degrade; everything else is unhealthy.
func FromError(component string, err error, transient func(error) bool) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	msg := sanitize(err.Error())
	if transient != nil && transient(err) {
		return NewDegraded(component, msg)
	}
	return NewUnhealthy(component, msg)
}
