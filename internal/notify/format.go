package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

// FormatForSession renders n as the text block injected into a session's
// context.
func FormatForSession(n *events.Notification) string {
	from := n.DeviceID
	if from == "" {
		from = n.Source
	}
	if from == "" {
		from = "unknown"
	}

	ts := n.SentAt
	if ts.IsZero() {
		ts = n.ArrivedAt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[NOTIFICATION from %s]\n", from)
	fmt.Fprintf(&b, "App: %s\n", n.SourceApp())
	fmt.Fprintf(&b, "Time: %s\n", ts.Format(time.RFC3339))
	if n.Sender != "" {
		fmt.Fprintf(&b, "From: %s\n", n.Sender)
	}
	if d, ok := n.Decision(); ok {
		fmt.Fprintf(&b, "Priority: %s\n", d.Priority)
	}
	if n.Subject != "" {
		fmt.Fprintf(&b, "Title: %s\n", n.Subject)
	}
	fmt.Fprintf(&b, "Body: %s\n", n.Content)
	b.WriteString("[END NOTIFICATION]")
	return b.String()
}

// pushTitle is the device-facing headline for n.
func pushTitle(n *events.Notification) string {
	if n.Subject != "" {
		return n.Subject
	}
	return n.SourceApp() + ": " + n.Sender
}
