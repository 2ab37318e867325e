package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
)

// Task is a claimed unit handed to a Handler.
type Task struct {
	Unit           *core.WorkUnit
	LeaseExpiresAt time.Time

	token  string
	worker string
	client *Client
}

// Log attaches a log line to the unit's audit trail.
func (t *Task) Log(ctx context.Context, level core.LogLevel, msg string, kv map[string]string) error {
	return t.client.LogEvent(ctx, coordinator.LogEventRequest{
		UnitID:     t.Unit.ID,
		WorkerName: t.worker,
		Level:      level,
		Message:    msg,
		Context:    kv,
	})
}

// Handler processes one unit and returns its output locations.
type Handler func(ctx context.Context, t *Task) (map[string]string, error)

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the unit fails terminally.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Worker            coordinator.HeartbeatRequest
	Lanes             []string
	LeaseSeconds      int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Poller heartbeats and claims on an interval and runs a Handler for each
// claimed unit, one at a time. Run several pollers for concurrency.
type Poller struct {
	client  *Client
	cfg     PollerConfig
	handler Handler
	logger  *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(c *Client, cfg PollerConfig, h Handler, logger *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  c,
		cfg:     cfg,
		handler: h,
		logger:  logger.With("worker", cfg.Worker.Name),
	}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if _, err := p.client.Heartbeat(ctx, p.cfg.Worker); err != nil {
		return fmt.Errorf("client: initial heartbeat: %w", err)
	}
	lastBeat := time.Now()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Since(lastBeat) >= p.cfg.HeartbeatInterval {
			if _, err := p.client.Heartbeat(ctx, p.cfg.Worker); err != nil {
				p.logger.Warn("heartbeat failed", "error", err)
			} else {
				lastBeat = time.Now()
			}
		}

		// Keep claiming while there is work; wait for the next tick once empty.
		for ctx.Err() == nil {
			claimed, err := p.PollOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Error("poll failed", "error", err)
				}
				break
			}
			if !claimed {
				break
			}
		}
	}
}

// PollOnce claims at most one unit and processes it. It reports whether a
// unit was claimed.
func (p *Poller) PollOnce(ctx context.Context) (bool, error) {
	cl, err := p.client.ClaimNext(ctx, coordinator.ClaimRequest{
		WorkerName:   p.cfg.Worker.Name,
		Lanes:        p.cfg.Lanes,
		LeaseSeconds: p.cfg.LeaseSeconds,
	})
	if err != nil {
		return false, err
	}
	if cl == nil {
		return false, nil
	}

	task := &Task{
		Unit:           cl.Unit,
		LeaseExpiresAt: cl.LeaseExpiresAt,
		token:          cl.Token,
		worker:         p.cfg.Worker.Name,
		client:         p.client,
	}
	outputs, runErr := p.execute(ctx, task)
	return true, p.report(ctx, task, outputs, runErr)
}

func (p *Poller) execute(ctx context.Context, t *Task) (outputs map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler(ctx, t)
}

func (p *Poller) report(ctx context.Context, t *Task, outputs map[string]string, runErr error) error {
	var err error
	if runErr == nil {
		_, err = p.client.Complete(ctx, coordinator.CompleteRequest{
			UnitID: t.Unit.ID, Token: t.token, Outputs: outputs, WorkerName: t.worker,
		})
	} else {
		var perm *PermanentError
		_, err = p.client.Fail(ctx, coordinator.FailRequest{
			UnitID:     t.Unit.ID,
			Token:      t.token,
			Error:      runErr.Error(),
			Retryable:  !errors.As(runErr, &perm),
			WorkerName: t.worker,
		})
	}

	switch {
	case errors.Is(err, core.ErrInvalidToken), errors.Is(err, core.ErrAlreadyTerminal):
		// The lease moved on without us; the result is discarded.
		p.logger.Warn("report rejected, lease lost", "unit_id", t.Unit.ID, "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("client: report unit %s: %w", t.Unit.ID, err)
	}
	if runErr != nil {
		p.logger.Warn("unit failed", "unit_id", t.Unit.ID, "error", runErr)
	}
	return nil
}
