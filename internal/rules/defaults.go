package rules

import "github.com/fyrsmithlabs/amplifierd/internal/events"

// Default heuristic lists. Channel and app patterns match the channel name
// exactly or appear within the app name, ignoring case.
var (
	defaultUrgentKeywords = []string{
		"urgent", "asap", "immediately", "critical", "emergency",
		"deadline", "today", "now", "important", "action required", "blocking", "blocked",
		"p0", "p1", "outage", "down",
	}
	defaultActionKeywords = []string{
		"approve", "review", "sign", "decision", "confirm",
		"reply", "respond", "answer", "vote", "choose",
	}
	defaultPriorityApps = []string{"teams", "Microsoft Teams", "Outlook"}
	defaultLowApps      = []string{
		"Snipping Tool", "Phone Link", "Windows Security", "Microsoft Store", "Settings",
		"system", "promotions", "social",
	}
)

// DefaultRuleSet is used when no rule file is configured. It maps the stock
// scoring heuristics onto priority tiers: noisy apps are suppressed, priority
// apps start one tier higher, and urgent or action keywords raise a tier.
// Only priority apps and sms reach the urgent push threshold, so a keyword
// on an ordinary channel is summarized at high priority.
func DefaultRuleSet() *RuleSet {
	rs := &RuleSet{
		Version:       1,
		PushThreshold: events.PriorityUrgent,
		Keywords:      append(append([]string(nil), defaultUrgentKeywords...), defaultActionKeywords...),
		Default:       ActionRule{Action: events.ActionSummarize, Priority: events.PriorityNormal},
	}
	for _, app := range defaultLowApps {
		rs.Channels = append(rs.Channels, ChannelRule{
			Match:      app,
			ActionRule: ActionRule{Action: events.ActionSuppress, Priority: events.PriorityLow},
		})
	}
	for _, app := range defaultPriorityApps {
		rs.Channels = append(rs.Channels, ChannelRule{
			Match:      app,
			ActionRule: ActionRule{Action: events.ActionSummarize, Priority: events.PriorityHigh},
		})
	}
	rs.Channels = append(rs.Channels,
		ChannelRule{Match: "slack", ActionRule: ActionRule{Action: events.ActionSummarize, Priority: events.PriorityNormal}},
		ChannelRule{Match: "sms", ActionRule: ActionRule{Action: events.ActionPush, Priority: events.PriorityHigh}},
	)
	// Static data; Compile cannot fail here.
	_ = rs.Compile()
	return rs
}
