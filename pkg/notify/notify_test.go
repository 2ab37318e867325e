package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/kv"
)

type recordingChannel struct {
	mu     sync.Mutex
	name   string
	err    error
	alerts []Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *recordingChannel) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.alerts))
	for i, a := range c.alerts {
		out[i] = a.Event
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func reportWith(issues ...core.Issue) core.HealthReport {
	r := core.HealthReport{Issues: issues}
	r.Finalize()
	return r
}

var brokerDown = core.Issue{
	Key:      "broker_unreachable",
	Severity: core.SeverityCritical,
	Title:    "Queue broker is unreachable",
}

func newTestNotifier(ch Channel) (*Notifier, *clock, kv.Store) {
	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore().WithClock(clk.now)
	n := New(store,
		WithChannels(ch),
		WithCooldown(10*time.Minute),
		WithClock(clk.now),
		WithLogger(quietLogger),
	)
	return n, clk, store
}

// ──────────────────────────────────────────────────────────────────────────────
// Notifier: cooldown and lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func TestNotify_NewIssueAlertsOnce(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	n, _, _ := newTestNotifier(ch)

	res := n.Notify(context.Background(), reportWith(brokerDown))

	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []Event{EventNew}, ch.events())
}

func TestNotify_SuppressesWithinCooldown(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	n, clk, _ := newTestNotifier(ch)
	ctx := context.Background()

	n.Notify(ctx, reportWith(brokerDown))
	clk.advance(time.Minute)
	res := n.Notify(ctx, reportWith(brokerDown))

	assert.Equal(t, 1, res.Suppressed)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, []Event{EventNew}, ch.events())
}

func TestNotify_RemindsAfterCooldown(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	n, clk, _ := newTestNotifier(ch)
	ctx := context.Background()

	n.Notify(ctx, reportWith(brokerDown))
	clk.advance(10 * time.Minute)
	res := n.Notify(ctx, reportWith(brokerDown))

	assert.Equal(t, 1, res.Reminders)
	assert.Equal(t, []Event{EventNew, EventReminder}, ch.events())
}

func TestNotify_FailedDeliveryDoesNotStartCooldown(t *testing.T) {
	ch := &recordingChannel{name: "test", err: errors.New("endpoint down")}
	n, clk, store := newTestNotifier(ch)
	ctx := context.Background()

	res := n.Notify(ctx, reportWith(brokerDown))
	assert.Equal(t, 1, res.Failed)

	state, found, err := kv.GetJSON[core.AlertState](ctx, store, AlertKey(brokerDown.Key))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, state.LastAlertedAt.IsZero())

	clk.advance(time.Minute)
	ch.err = nil
	res = n.Notify(ctx, reportWith(brokerDown))
	assert.Equal(t, 1, res.Reminders)
	assert.Equal(t, 1, res.Delivered)
}

func TestNotify_ResolvedIssueAnnouncedAndForgotten(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	n, clk, store := newTestNotifier(ch)
	ctx := context.Background()

	n.Notify(ctx, reportWith(brokerDown))
	clk.advance(time.Minute)
	res := n.Notify(ctx, reportWith())

	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, []Event{EventNew, EventResolved}, ch.events())
	assert.Equal(t, brokerDown.Title, ch.alerts[1].Issue.Title)

	_, found, err := store.Get(ctx, AlertKey(brokerDown.Key))
	require.NoError(t, err)
	assert.False(t, found)

	clk.advance(time.Minute)
	res = n.Notify(ctx, reportWith(brokerDown))
	assert.Equal(t, 1, res.New, "a recurring issue starts over as new")
}

func TestNotify_KeepsFirstSeen(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	n, clk, _ := newTestNotifier(ch)
	ctx := context.Background()

	n.Notify(ctx, reportWith(brokerDown))
	first := clk.t
	clk.advance(30 * time.Minute)
	n.Notify(ctx, reportWith(brokerDown))

	require.Len(t, ch.alerts, 2)
	assert.Equal(t, first, ch.alerts[1].FirstSeenAt)
}

// ──────────────────────────────────────────────────────────────────────────────
// Webhook channel
// ──────────────────────────────────────────────────────────────────────────────

func TestWebhookChannel_PostsJSON(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second, quietLogger)
	err := ch.Send(context.Background(), Alert{Event: EventNew, Issue: brokerDown, At: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, "[critical] Queue broker is unreachable", got.Text)
	assert.Equal(t, brokerDown.Key, got.Alert.Issue.Key)
}

func TestWebhookChannel_OpensBreakerAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second, quietLogger)
	for range 3 {
		assert.Error(t, ch.Send(context.Background(), Alert{Event: EventNew, Issue: brokerDown}))
	}
	assert.Equal(t, gobreaker.StateOpen, ch.State())

	err := ch.Send(context.Background(), Alert{Event: EventNew, Issue: brokerDown})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), calls.Load())
}

// ──────────────────────────────────────────────────────────────────────────────
// Email channel
// ──────────────────────────────────────────────────────────────────────────────

func TestNewEmailChannel_RequiresRecipients(t *testing.T) {
	_, err := NewEmailChannel(EmailConfig{Host: "smtp.example.com", From: "gate@example.com"})
	assert.Error(t, err)
}

func TestEmailChannel_Send(t *testing.T) {
	ch, err := NewEmailChannel(EmailConfig{
		Host: "smtp.example.com",
		From: "gate@example.com",
		To:   []string{"ops@example.com", "oncall@example.com"},
	})
	require.NoError(t, err)

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	ch.WithSendMail(func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	})

	issue := brokerDown
	issue.Title = "Broker down\r\nBcc: attacker@example.com"
	require.NoError(t, ch.Send(context.Background(), Alert{Event: EventResolved, Issue: issue, At: time.Now()}))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [resolved] Broker down  Bcc: attacker@example.com\r\n")
	headers, _, found := strings.Cut(gotMsg, "\r\n\r\n")
	require.True(t, found)
	assert.NotContains(t, headers, "\r\nBcc:")
	assert.True(t, strings.Contains(gotMsg, "issue: broker_unreachable\r\n"))
}

func TestEmailChannel_CancelledContext(t *testing.T) {
	ch, err := NewEmailChannel(EmailConfig{Host: "h", From: "f@x", To: []string{"t@x"}})
	require.NoError(t, err)
	ch.WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be attempted")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.Send(ctx, Alert{}), context.Canceled)
}
