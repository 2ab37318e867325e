package coordinator

import (
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/security"
)

// SubmitRequest partitions a job into Chunks ordered units on Lane.
type SubmitRequest struct {
	JobID       string `json:"job_id"`
	Lane        string `json:"lane"`
	Chunks      int    `json:"chunks"`
	MaxAttempts int    `json:"max_attempts"`
	Actor       string `json:"-"`
}

func (r SubmitRequest) validate() error {
	var v security.Validator
	v.Name("job_id", r.JobID, false)
	v.Name("lane", r.Lane, false)
	v.Check(r.Chunks >= 0 && r.Chunks <= security.MaxChunks, "chunks", "must be between 1 and 10000")
	v.Check(r.MaxAttempts >= 0 && r.MaxAttempts <= security.MaxAttempts, "max_attempts", "must be between 1 and 100")
	v.MaxLen("actor", r.Actor, security.MaxNameLength)
	return v.Err()
}

// ClaimRequest asks for the next unit on any of Lanes (all lanes when empty).
type ClaimRequest struct {
	WorkerName   string   `json:"worker_name"`
	Lanes        []string `json:"lanes"`
	LeaseSeconds int      `json:"lease_seconds"`
}

func (r ClaimRequest) validate() error {
	var v security.Validator
	v.Name("worker_name", r.WorkerName, true)
	v.Check(len(r.Lanes) <= security.MaxMapEntries, "lanes", "too many lanes")
	for _, lane := range r.Lanes {
		v.Name("lanes", lane, true)
	}
	v.Check(r.LeaseSeconds >= 0, "lease_seconds", "must not be negative")
	return v.Err()
}

// CompleteRequest reports a finished unit.
type CompleteRequest struct {
	UnitID     string            `json:"-"`
	Token      string            `json:"token"`
	Outputs    map[string]string `json:"outputs"`
	WorkerName string            `json:"worker_name"`
}

func (r CompleteRequest) validate() error {
	var v security.Validator
	v.Required("unit_id", r.UnitID)
	v.Required("token", r.Token)
	v.MaxLen("token", r.Token, 64)
	v.Name("worker_name", r.WorkerName, true)
	v.StringMap("outputs", r.Outputs)
	return v.Err()
}

// FailRequest reports a failed unit.
type FailRequest struct {
	UnitID     string `json:"-"`
	Token      string `json:"token"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
	WorkerName string `json:"worker_name"`
}

func (r FailRequest) validate() error {
	var v security.Validator
	v.Required("unit_id", r.UnitID)
	v.Required("token", r.Token)
	v.MaxLen("token", r.Token, 64)
	v.Name("worker_name", r.WorkerName, true)
	v.Required("error", r.Error)
	return v.Err()
}

// HeartbeatRequest registers or refreshes an engine worker.
type HeartbeatRequest struct {
	Name        string            `json:"name"`
	Address     string            `json:"address"`
	Environment string            `json:"environment"`
	Region      string            `json:"region"`
	Tags        map[string]string `json:"tags"`
}

func (r HeartbeatRequest) validate() error {
	var v security.Validator
	v.Name("name", r.Name, true)
	v.MaxLen("address", r.Address, security.MaxAddressLength)
	v.Name("environment", r.Environment, false)
	v.Name("region", r.Region, false)
	v.StringMap("tags", r.Tags)
	return v.Err()
}

// LogEventRequest attaches a worker log line to a unit's audit trail.
type LogEventRequest struct {
	UnitID     string            `json:"-"`
	WorkerName string            `json:"worker_name"`
	Level      core.LogLevel     `json:"level"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context"`
}

func (r LogEventRequest) validate() error {
	var v security.Validator
	v.Required("unit_id", r.UnitID)
	v.Name("worker_name", r.WorkerName, true)
	v.OneOf("level", string(r.Level),
		string(core.LevelDebug), string(core.LevelInfo), string(core.LevelWarning), string(core.LevelError))
	v.Required("message", r.Message)
	v.MaxLen("message", r.Message, security.MaxLogMessageLength)
	v.StringMap("context", r.Context)
	return v.Err()
}

func validateActor(actor string) error {
	var v security.Validator
	v.Required("actor", actor)
	v.MaxLen("actor", actor, security.MaxNameLength)
	return v.Err()
}
