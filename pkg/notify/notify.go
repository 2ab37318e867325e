// Package notify turns health reports into alerts with per-issue cooldowns
// and fans them out to chat and email channels.
package notify

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/kv"
	"github.com/jdziat/workgate/pkg/telemetry"
)

const (
	alertKeyPrefix = "health:alert:"
	activeKey      = "health:alerts:active"
)

// AlertKey is the key-value key holding an issue's alert state.
func AlertKey(issueKey string) string { return alertKeyPrefix + issueKey }

// Event classifies an alert.
type Event string

const (
	EventNew      Event = "new"
	EventReminder Event = "reminder"
	EventResolved Event = "resolved"
)

// Alert is one message handed to every channel.
type Alert struct {
	Event       Event             `json:"event"`
	Issue       core.Issue        `json:"issue"`
	Status      core.HealthStatus `json:"status"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	At          time.Time         `json:"at"`
}

// Channel delivers alerts somewhere a human will see them.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Result summarizes one Notify call.
type Result struct {
	New        int `json:"new"`
	Reminders  int `json:"reminders"`
	Suppressed int `json:"suppressed"`
	Resolved   int `json:"resolved"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// Option configures a Notifier.
type Option interface {
	apply(*Notifier)
}

type optionFunc func(*Notifier)

func (f optionFunc) apply(n *Notifier) { f(n) }

// WithCooldown sets the minimum time between alerts for one issue.
func WithCooldown(d time.Duration) Option {
	return optionFunc(func(n *Notifier) { n.cooldown = d })
}

// WithStateTTL sets how long alert state survives without being refreshed.
func WithStateTTL(d time.Duration) Option {
	return optionFunc(func(n *Notifier) { n.ttl = d })
}

// WithChannels adds delivery channels.
func WithChannels(chs ...Channel) Option {
	return optionFunc(func(n *Notifier) { n.channels = append(n.channels, chs...) })
}

// WithMetrics counts deliveries.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(n *Notifier) { n.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(n *Notifier) { n.logger = l })
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(n *Notifier) { n.now = now })
}

// Notifier remembers which issues were alerted and when.
type Notifier struct {
	store    kv.Store
	channels []Channel
	cooldown time.Duration
	ttl      time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a notifier keeping its state in store.
func New(store kv.Store, opts ...Option) *Notifier {
	n := &Notifier{
		store:    store,
		cooldown: 10 * time.Minute,
		ttl:      24 * time.Hour,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.apply(n)
	}
	return n
}

// Notify alerts on new issues, reminds on issues past their cooldown and
// announces issues that disappeared since the previous report. Delivery and
// state failures are logged and counted, never returned.
func (n *Notifier) Notify(ctx context.Context, report core.HealthReport) Result {
	var res Result
	now := n.now().UTC()

	previous, _, err := kv.GetJSON[[]string](ctx, n.store, activeKey)
	if err != nil {
		n.logger.Warn("alert index unreadable", "error", err)
	}

	current := make([]string, 0, len(report.Issues))
	for _, issue := range report.Issues {
		current = append(current, issue.Key)

		state, found, err := kv.GetJSON[core.AlertState](ctx, n.store, AlertKey(issue.Key))
		if err != nil {
			n.logger.Warn("alert state unreadable, treating issue as new", "issue", issue.Key, "error", err)
			found = false
		}

		event, due := EventNew, true
		if found {
			event = EventReminder
			due = now.Sub(state.LastAlertedAt) >= n.cooldown
		} else {
			state = core.AlertState{FirstSeenAt: now}
		}
		state.Issue = issue
		state.LastSeenAt = now

		switch {
		case !due:
			res.Suppressed++
		case event == EventNew:
			res.New++
		default:
			res.Reminders++
		}
		if due {
			accepted := n.deliver(ctx, Alert{
				Event:       event,
				Issue:       issue,
				Status:      report.Status,
				FirstSeenAt: state.FirstSeenAt,
				At:          now,
			}, &res)
			if accepted > 0 {
				state.LastAlertedAt = now
			}
		}

		if err := kv.SetJSON(ctx, n.store, AlertKey(issue.Key), state, n.ttl); err != nil {
			n.logger.Error("save alert state", "issue", issue.Key, "error", err)
		}
	}

	for _, key := range previous {
		if slices.Contains(current, key) {
			continue
		}
		res.Resolved++
		state, found, _ := kv.GetJSON[core.AlertState](ctx, n.store, AlertKey(key))
		if !found {
			state = core.AlertState{Issue: core.Issue{Key: key, Title: key}}
		}
		n.deliver(ctx, Alert{
			Event:       EventResolved,
			Issue:       state.Issue,
			Status:      report.Status,
			FirstSeenAt: state.FirstSeenAt,
			At:          now,
		}, &res)
		if err := n.store.Delete(ctx, AlertKey(key)); err != nil {
			n.logger.Error("delete alert state", "issue", key, "error", err)
		}
	}

	if err := kv.SetJSON(ctx, n.store, activeKey, current, n.ttl); err != nil {
		n.logger.Error("save alert index", "error", err)
	}
	return res
}

// deliver sends a to every channel and returns how many accepted it.
func (n *Notifier) deliver(ctx context.Context, a Alert, res *Result) int {
	accepted := 0
	for _, ch := range n.channels {
		err := ch.Send(ctx, a)
		n.metrics.IncNotification(ch.Name(), string(a.Event), err)
		if err != nil {
			res.Failed++
			n.logger.Warn("alert delivery failed",
				"channel", ch.Name(), "event", a.Event, "issue", a.Issue.Key, "error", err)
			continue
		}
		res.Delivered++
		accepted++
	}
	return accepted
}
