package health

import (
	"fmt"
	"strings"
	"time"
)

// Level is the coarse state of a component
type Level string

// Levels, from best to worst
const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
)

func (l Level) rank() int {
	switch l {
	case LevelHealthy:
		return 0
	case LevelDegraded:
		return 1
	default:
		return 2
	}
}

// New builds a status stamped with the current time
func New(component string, level Level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == LevelHealthy,
		Status:    string(level),
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(component, message string) Status   { return New(component, LevelHealthy, message) }
func NewDegraded(component, message string) Status  { return New(component, LevelDegraded, message) }
func NewUnhealthy(component, message string) Status { return New(component, LevelUnhealthy, message) }

// Aggregate takes the worst level of subs. The message names the components
// below healthy, e.g. "degraded: registry, transport".
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no components")
	}

	worst := LevelHealthy
	var failing []string
	for _, sub := range subs {
		l := Level(sub.Status)
		if l != LevelHealthy {
			failing = append(failing, sub.Component)
		}
		if l.rank() > worst.rank() {
			worst = l
		}
	}

	msg := fmt.Sprintf("%d components", len(subs))
	if len(failing) > 0 {
		msg = fmt.Sprintf("%s: %s", worst, strings.Join(failing, ", "))
	}
	status := New(component, worst, msg)
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}
