package core

import (
	"sort"
	"time"
)

// Severity ranks a health issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

func (s Severity) rank() int {
	if s == SeverityCritical {
		return 0
	}
	return 1
}

// HealthStatus is the overall verdict of a report.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Issue is one detected health problem. Key is stable across evaluations.
type Issue struct {
	Key      string   `json:"key"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail"`
	Lane     string   `json:"lane,omitempty"`
}

// HealthSummary counts issues by severity.
type HealthSummary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Total    int `json:"total"`
}

// HealthMeta carries the collaborator state observed during an evaluation.
type HealthMeta struct {
	QueueDriver           string   `json:"queue_driver"`
	BrokerReachable       bool     `json:"broker_reachable"`
	BrokerError           string   `json:"broker_error,omitempty"`
	ActiveSupervisorCount int      `json:"active_supervisor_count"`
	ActiveSupervisors     []string `json:"active_supervisors"`
	RequiredSupervisors   []string `json:"required_supervisors"`
	MissingSupervisors    []string `json:"missing_supervisors,omitempty"`
}

// HealthReport is the result of one evaluation. It is cached, never stored
// as a row.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Issues    []Issue       `json:"issues"`
	Summary   HealthSummary `json:"summary"`
	Meta      HealthMeta    `json:"meta"`
}

// SortIssues orders issues critical first, then by key.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := issues[i].Severity.rank(), issues[j].Severity.rank()
		if ri != rj {
			return ri < rj
		}
		return issues[i].Key < issues[j].Key
	})
}

// StatusFor derives the overall status from a set of issues.
func StatusFor(issues []Issue) HealthStatus {
	status := HealthHealthy
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			return HealthCritical
		case SeverityWarning:
			status = HealthWarning
		}
	}
	return status
}

// Finalize sorts the issues and fills Status and Summary.
func (r *HealthReport) Finalize() {
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	SortIssues(r.Issues)
	r.Summary = HealthSummary{Total: len(r.Issues)}
	for _, is := range r.Issues {
		switch is.Severity {
		case SeverityCritical:
			r.Summary.Critical++
		case SeverityWarning:
			r.Summary.Warning++
		}
	}
	r.Status = StatusFor(r.Issues)
}

// IssueKeys returns the keys of the report's issues in report order.
func (r *HealthReport) IssueKeys() []string {
	keys := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		keys[i] = is.Key
	}
	return keys
}
