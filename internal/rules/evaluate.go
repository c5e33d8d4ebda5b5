package rules

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

// FocusMode is the runtime focus override.
type FocusMode int

const (
	// FocusDefault defers to the rule set's focus.active.
	FocusDefault FocusMode = iota
	FocusOn
	FocusOff
)

// EvalContext is the state outside the rule set that a decision depends on.
type EvalContext struct {
	Now   time.Time
	Focus FocusMode
}

func (ec EvalContext) focused(rs *RuleSet) bool {
	switch ec.Focus {
	case FocusOn:
		return true
	case FocusOff:
		return false
	default:
		return rs.Focus.Active
	}
}

// Evaluate classifies n under rs. It does not mutate its inputs.
func Evaluate(rs *RuleSet, n *events.Notification, ec EvalContext) events.Decision {
	now := ec.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(rs.Location())

	text := strings.ToLower(n.Text())
	vip, vipMatch := rs.matchVIP(n.Sender)
	mention, mentionMatch := rs.matchMention(text)

	base, baseRule, ch := rs.baseAction(n, now)

	d := events.Decision{
		Action:        base.Action,
		Priority:      base.Priority.Or(rs.Default.Priority),
		Rule:          baseRule,
		TargetSession: rs.DefaultSession,
	}
	if ch != nil {
		if ch.Session != "" {
			d.TargetSession = ch.Session
		}
		d.TargetDevices = append([]string(nil), ch.Devices...)
	}
	if n.SessionHint != "" {
		d.TargetSession = n.SessionHint
	}

	if ec.focused(rs) {
		switch {
		case vip:
			d.Action, d.Rule = events.ActionPush, "focus:vip"
			d.Priority = maxPriority(d.Priority, events.PriorityHigh)
			d.Reasons = append(d.Reasons, "vip sender "+vipMatch)
		case mention:
			d.Action, d.Rule = events.ActionPush, "focus:mention"
			d.Priority = maxPriority(d.Priority, events.PriorityHigh)
			d.Reasons = append(d.Reasons, "mentions "+mentionMatch)
		case rs.isSystem(n):
			d.Action, d.Rule = events.ActionSuppress, "focus:system"
			d.Reasons = append(d.Reasons, "system noise during focus")
		default:
			d.Action, d.Rule = events.ActionSummarize, "focus"
			d.Reasons = append(d.Reasons, "deferred by focus mode")
		}
		return d
	}

	kw, hasKeyword := rs.matchKeyword(text)

	if vip {
		d.Action, d.Rule = events.ActionPush, "vip"
		d.Priority = maxPriority(d.Priority, events.PriorityHigh)
		d.Reasons = append(d.Reasons, "vip sender "+vipMatch)
		if hasKeyword {
			d.Priority = d.Priority.Elevate()
			d.Reasons = append(d.Reasons, "keyword "+kw)
		}
		return d
	}

	if hasKeyword {
		d.Priority = d.Priority.Elevate()
		d.Rule = "keyword:" + kw
		d.Reasons = append(d.Reasons, "keyword "+kw, "base "+baseRule)
		// Elevation only raises: a base push stays a push.
		if d.Priority >= rs.PushThreshold || base.Action == events.ActionPush {
			d.Action = events.ActionPush
		} else {
			d.Action = events.ActionSummarize
		}
		return d
	}

	if mention && d.Action != events.ActionPush {
		d.Reasons = append(d.Reasons, "mentions "+mentionMatch)
	}
	return d
}

// baseAction resolves time windows, then channel rules, then the default.
// The matching channel rule is returned for routing even when a time window
// decided the action.
func (rs *RuleSet) baseAction(n *events.Notification, now time.Time) (ActionRule, string, *ChannelRule) {
	var ch *ChannelRule
	for i := range rs.Channels {
		if matchesSource(rs.Channels[i].Match, n) {
			ch = &rs.Channels[i]
			break
		}
	}

	for i := range rs.TimeWindows {
		w := &rs.TimeWindows[i]
		if !w.contains(now) {
			continue
		}
		if len(w.Channels) > 0 && !anySource(w.Channels, n) {
			continue
		}
		name := w.Name
		if name == "" {
			name = w.Start + "-" + w.End
		}
		return w.ActionRule, "window:" + name, ch
	}

	if ch != nil {
		return ch.ActionRule, "channel:" + ch.Match, ch
	}
	return rs.Default, "default", nil
}

func (rs *RuleSet) matchVIP(sender string) (bool, string) {
	s := strings.ToLower(sender)
	for _, v := range rs.VIPSenders {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" && strings.Contains(s, v) {
			return true, v
		}
	}
	return false, ""
}

// matchMention looks for "@alias" or the bare alias in lowered text.
func (rs *RuleSet) matchMention(text string) (bool, string) {
	for _, a := range rs.UserAliases {
		a = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(a, "@")))
		if a == "" {
			continue
		}
		if strings.Contains(text, "@"+a) || containsWord(text, a) {
			return true, a
		}
	}
	return false, ""
}

func (rs *RuleSet) matchKeyword(text string) (string, bool) {
	for _, k := range rs.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(text, k) {
			return k, true
		}
	}
	return "", false
}

func (rs *RuleSet) isSystem(n *events.Notification) bool {
	return anySource(rs.Focus.SystemChannels, n)
}

func anySource(patterns []string, n *events.Notification) bool {
	for _, p := range patterns {
		if matchesSource(p, n) {
			return true
		}
	}
	return false
}

// matchesSource reports whether pattern names the channel exactly or occurs
// within the app name, ignoring case.
func matchesSource(pattern string, n *events.Notification) bool {
	p := strings.TrimSpace(pattern)
	if p == "*" {
		return true
	}
	if strings.EqualFold(p, n.Channel) {
		return true
	}
	return p != "" && n.App != "" && strings.Contains(strings.ToLower(n.App), strings.ToLower(p))
}

// containsWord reports whether w occurs in s bounded by non-letters.
func containsWord(s, w string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(w)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func maxPriority(a, b events.Priority) events.Priority {
	if a > b {
		return a
	}
	return b
}
