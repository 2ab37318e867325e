package notify

import (
	"fmt"
	"strings"
)

// Subject is a one-line summary of an alert.
func Subject(a Alert) string {
	switch a.Event {
	case EventResolved:
		return fmt.Sprintf("[resolved] %s", a.Issue.Title)
	case EventReminder:
		return fmt.Sprintf("[%s, still open] %s", a.Issue.Severity, a.Issue.Title)
	default:
		return fmt.Sprintf("[%s] %s", a.Issue.Severity, a.Issue.Title)
	}
}

// Body is the plain-text description of an alert.
func Body(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", Subject(a))
	if a.Issue.Detail != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Issue.Detail)
	}
	fmt.Fprintf(&b, "issue: %s\n", a.Issue.Key)
	if a.Issue.Lane != "" {
		fmt.Fprintf(&b, "lane: %s\n", a.Issue.Lane)
	}
	fmt.Fprintf(&b, "overall status: %s\n", a.Status)
	if !a.FirstSeenAt.IsZero() {
		fmt.Fprintf(&b, "first seen: %s\n", a.FirstSeenAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "at: %s\n", a.At.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
