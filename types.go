package workgate

import (
	"github.com/jdziat/workgate/pkg/client"
	"github.com/jdziat/workgate/pkg/config"
	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/security"
)

// Type aliases so callers need only this package for the common surface.
type (
	WorkUnit          = core.WorkUnit
	UnitStatus        = core.UnitStatus
	EngineWorker      = core.EngineWorker
	AuditEntry        = core.AuditEntry
	Incident          = core.Incident
	HealthReport      = core.HealthReport
	Issue             = core.Issue
	Config            = config.Config
	HealthRules       = config.HealthRules
	LeasePolicy       = coordinator.LeasePolicy
	SubmitRequest     = coordinator.SubmitRequest
	ClaimRequest      = coordinator.ClaimRequest
	Client            = client.Client
	Poller            = client.Poller
	PollerConfig      = client.PollerConfig
	Task              = client.Task
	Handler           = client.Handler
	ValidationError   = security.ValidationError
	BackpressureError = core.BackpressureError
)

// Unit statuses.
const (
	UnitPending    = core.UnitPending
	UnitProcessing = core.UnitProcessing
	UnitCompleted  = core.UnitCompleted
	UnitFailed     = core.UnitFailed
)

// Sentinel errors.
var (
	ErrUnitNotFound    = core.ErrUnitNotFound
	ErrInvalidToken    = core.ErrInvalidToken
	ErrAlreadyTerminal = core.ErrAlreadyTerminal
	ErrUnknownWorker   = core.ErrUnknownWorker
	ErrInvalidAction   = core.ErrInvalidAction
	ErrBackpressure    = core.ErrBackpressure
)

// LoadConfig reads the process configuration from the environment.
func LoadConfig() (Config, error) {
	return config.Load()
}

// NewClient creates an engine client for the API at baseURL.
func NewClient(baseURL string, opts ...client.Option) *Client {
	return client.New(baseURL, opts...)
}

// Permanent marks a handler error as not retryable.
func Permanent(err error) error {
	return client.Permanent(err)
}
