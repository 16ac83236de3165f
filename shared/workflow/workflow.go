package workflow

import "strings"

const (
	IncidentStatusOpen         = "open"
	IncidentStatusAcknowledged = "acknowledged"
	IncidentStatusInProgress   = "in_progress"
	IncidentStatusResolved     = "resolved"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var incidentTransitions = map[string]map[string]bool{
	IncidentStatusOpen: {
		IncidentStatusAcknowledged: true,
		IncidentStatusInProgress:   true,
		IncidentStatusResolved:     true,
	},
	IncidentStatusAcknowledged: {
		IncidentStatusInProgress: true,
		IncidentStatusResolved:   true,
	},
	IncidentStatusInProgress: {
		IncidentStatusResolved: true,
	},
}

// Raw producer states seen on the wire, lowercased.
var statusAliases = map[string]string{
	"new":          IncidentStatusOpen,
	"open":         IncidentStatusOpen,
	"acknowledged": IncidentStatusAcknowledged,
	"ack":          IncidentStatusAcknowledged,
	"inprogress":   IncidentStatusInProgress,
	"in_progress":  IncidentStatusInProgress,
	"in progress":  IncidentStatusInProgress,
	"closed":       IncidentStatusResolved,
	"resolved":     IncidentStatusResolved,
}

var severityPriority = map[string]string{
	"critical": PriorityHigh,
	"high":     PriorityHigh,
	"warning":  PriorityMedium,
	"medium":   PriorityMedium,
	"info":     PriorityLow,
	"low":      PriorityLow,
}

// NormalizeIncidentStatus maps a raw state onto the lifecycle vocabulary.
// Unrecognized states map to open.
func NormalizeIncidentStatus(raw string) string {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return IncidentStatusOpen
}

// KnownIncidentStatus reports whether raw names a lifecycle state.
func KnownIncidentStatus(raw string) bool {
	_, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

func PriorityForSeverity(severity string) string {
	if p, ok := severityPriority[strings.ToLower(strings.TrimSpace(severity))]; ok {
		return p
	}
	return PriorityMedium
}

func IsTerminal(status string) bool {
	return NormalizeIncidentStatus(status) == IncidentStatusResolved
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeIncidentStatus(fromStatus)
	toStatus = NormalizeIncidentStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	return incidentTransitions[fromStatus][toStatus]
}

func AllIncidentStatuses() []string {
	return []string{
		IncidentStatusOpen,
		IncidentStatusAcknowledged,
		IncidentStatusInProgress,
		IncidentStatusResolved,
	}
}
