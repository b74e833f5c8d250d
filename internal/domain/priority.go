package domain

import "errors"

// JobPriority orders jobs for dequeue. Higher values dequeue first;
// within a tier, jobs dequeue in submission order.
type JobPriority int

// Priority tiers, ordered low < normal < high < critical.
const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityCritical JobPriority = 3
)

// ErrInvalidJobPriority is returned when a priority value or name is not
// one of the defined tiers.
var ErrInvalidJobPriority = errors.New("invalid job priority")

var priorityNames = map[JobPriority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// String returns the lowercase tier name, or "unknown" for out-of-range values.
func (p JobPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsValid reports whether the priority is one of the defined tiers.
func (p JobPriority) IsValid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a tier name into a JobPriority.
// Returns ErrInvalidJobPriority for unrecognized names.
func ParsePriority(name string) (JobPriority, error) {
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, ErrInvalidJobPriority
}
