package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a named periodic job.
type Task struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
	// Immediate runs the task once at start instead of waiting for the
	// first scheduled time.
	Immediate bool
	// Timeout bounds a single run. Zero means no bound.
	Timeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption interface {
	applyRunner(*Runner)
}

type runnerOptionFunc func(*Runner)

func (f runnerOptionFunc) applyRunner(r *Runner) { f(r) }

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return runnerOptionFunc(func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	})
}

// OnRun registers a callback invoked after every task run.
func OnRun(fn func(task string, err error)) RunnerOption {
	return runnerOptionFunc(func(r *Runner) {
		r.onRun = fn
	})
}

// Runner drives a set of tasks, each on its own goroutine. A failing run is
// logged and the task keeps its schedule.
type Runner struct {
	tasks  []Task
	logger *slog.Logger
	onRun  func(task string, err error)
	now    func() time.Time
}

// NewRunner creates a runner with no tasks.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.applyRunner(r)
	}
	return r
}

// Add registers a task. It must be called before Start.
func (r *Runner) Add(t Task) {
	r.tasks = append(r.tasks, t)
}

// Tasks returns the registered task names.
func (r *Runner) Tasks() []string {
	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.Name
	}
	return names
}

// Start runs every task until ctx is cancelled. Blocks until all task
// loops have returned.
func (r *Runner) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		g.Go(func() error {
			return r.loop(gctx, t)
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, t Task) error {
	if t.Immediate {
		r.runOnce(ctx, t)
	}
	last := r.now()

	for {
		wait := max(t.Schedule.Next(last).Sub(r.now()), 0)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		r.runOnce(ctx, t)
		last = r.now()
	}
}

// RunOnce executes the named task immediately. Used by operators and tests.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, t := range r.tasks {
		if t.Name == name {
			return r.runOnce(ctx, t)
		}
	}
	return fmt.Errorf("schedule: unknown task %q", name)
}

func (r *Runner) runOnce(ctx context.Context, t Task) (err error) {
	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			r.logger.Error("scheduled task failed", "task", t.Name, "error", err)
		} else {
			r.logger.Debug("scheduled task finished", "task", t.Name, "duration", r.now().Sub(start))
		}
		if r.onRun != nil {
			r.onRun(t.Name, err)
		}
	}()
	return t.Run(runCtx)
}
