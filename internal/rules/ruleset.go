// Package rules implements the deterministic notification rule evaluator.
//
// A RuleSet is plain data read from a YAML or TOML file. Evaluate is a pure
// function over (rule set, notification, context). Engine keeps the active
// rule set behind an atomic pointer and re-checks the file on every use.
//
// Precedence, highest first:
//
//  1. focus mode: VIP or mention pushes, system channels suppress, the rest summarizes
//  2. VIP sender: push
//  3. keyword trigger: base priority raised one tier; push at or above
//     push_threshold, otherwise summarize
//  4. time windows, in declared order
//  5. channel rules, in declared order
//  6. the rule set default
//
// Within a level the first declared match wins.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRuleSet wraps every parse and validation failure.
var ErrInvalidRuleSet = errors.New("invalid rule set")

// RuleSet is the externally editable routing configuration.
type RuleSet struct {
	Version        int             `yaml:"version" toml:"version"`
	Timezone       string          `yaml:"timezone" toml:"timezone"`
	PushThreshold  events.Priority `yaml:"push_threshold" toml:"push_threshold"`
	DefaultSession string          `yaml:"default_session" toml:"default_session"`
	Focus          FocusRules      `yaml:"focus" toml:"focus"`
	VIPSenders     []string        `yaml:"vip_senders" toml:"vip_senders"`
	UserAliases    []string        `yaml:"user_aliases" toml:"user_aliases"`
	Keywords       []string        `yaml:"keywords" toml:"keywords"`
	TimeWindows    []TimeWindow    `yaml:"time_windows" toml:"time_windows"`
	Channels       []ChannelRule   `yaml:"channels" toml:"channels"`
	Default        ActionRule      `yaml:"default" toml:"default"`

	location *time.Location
}

// FocusRules configures focus mode.
type FocusRules struct {
	// Active is the default when no runtime override is set.
	Active bool `yaml:"active" toml:"active"`
	// SystemChannels are suppressed outright while focused.
	SystemChannels []string `yaml:"system_channels" toml:"system_channels"`
}

// ActionRule is an action with a priority tier.
type ActionRule struct {
	Action   events.Action   `yaml:"action" toml:"action"`
	Priority events.Priority `yaml:"priority" toml:"priority"`
}

// TimeWindow selects a base action by day and time of day.
type TimeWindow struct {
	Name string `yaml:"name" toml:"name"`
	// Days: mon..sun, or weekdays, weekends, daily. Empty means every day.
	Days []string `yaml:"days" toml:"days"`
	// Start and End are HH:MM, End exclusive. Start > End wraps midnight.
	Start string `yaml:"start" toml:"start"`
	End   string `yaml:"end" toml:"end"`
	// Channels restricts the window to these channels or apps. Empty means all.
	Channels []string `yaml:"channels" toml:"channels"`
	ActionRule `yaml:",inline"`

	days     [7]bool
	startMin int
	endMin   int
}

// ChannelRule is the per-channel default. Match equals the channel or occurs
// within the source app name, ignoring case; "*" matches anything.
type ChannelRule struct {
	Match      string   `yaml:"match" toml:"match"`
	Session    string   `yaml:"session" toml:"session"`
	Devices    []string `yaml:"devices" toml:"devices"`
	ActionRule `yaml:",inline"`
}

// Location returns the evaluation time zone.
func (rs *RuleSet) Location() *time.Location {
	if rs.location == nil {
		return time.Local
	}
	return rs.location
}

// Parse decodes a rule set. format is "yaml" or "toml". Unknown keys are
// rejected so that typos fail loudly instead of silently changing routing.
func Parse(data []byte, format string) (*RuleSet, error) {
	var rs RuleSet

	switch format {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&rs); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: empty document", ErrInvalidRuleSet)
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &rs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidRuleSet, strings.Join(keys, ", "))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidRuleSet, format)
	}

	if err := rs.Compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// FormatForPath picks the parser from the file extension.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Compile validates the rule set, fills defaults and precomputes windows.
func (rs *RuleSet) Compile() error {
	var errs []error

	if rs.PushThreshold == events.PriorityUnset {
		rs.PushThreshold = events.PriorityHigh
	}
	if rs.Default.Action == "" {
		rs.Default.Action = events.ActionSummarize
	}
	rs.Default.Priority = rs.Default.Priority.Or(events.PriorityNormal)
	if !rs.Default.Action.Valid() {
		errs = append(errs, fmt.Errorf("default: unknown action %q", rs.Default.Action))
	}
	if len(rs.Focus.SystemChannels) == 0 {
		rs.Focus.SystemChannels = []string{"system"}
	}

	rs.location = nil
	if rs.Timezone != "" {
		loc, err := time.LoadLocation(rs.Timezone)
		if err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %v", rs.Timezone, err))
		} else {
			rs.location = loc
		}
	}

	for i := range rs.TimeWindows {
		if err := rs.TimeWindows[i].compile(); err != nil {
			errs = append(errs, fmt.Errorf("time_windows[%d]: %v", i, err))
		}
	}

	for i, c := range rs.Channels {
		if strings.TrimSpace(c.Match) == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: match is required", i))
		}
		if !c.Action.Valid() {
			errs = append(errs, fmt.Errorf("channels[%d]: unknown action %q", i, c.Action))
		}
	}

	for i, k := range rs.Keywords {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("keywords[%d]: empty keyword", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRuleSet, errors.Join(errs...))
	}
	return nil
}

func (w *TimeWindow) compile() error {
	if !w.Action.Valid() {
		return fmt.Errorf("unknown action %q", w.Action)
	}
	var err error
	if w.startMin, err = parseClock(w.Start); err != nil {
		return fmt.Errorf("start: %v", err)
	}
	if w.endMin, err = parseClock(w.End); err != nil {
		return fmt.Errorf("end: %v", err)
	}
	if w.startMin == w.endMin {
		return fmt.Errorf("start and end must differ")
	}

	w.days = [7]bool{}
	if len(w.Days) == 0 {
		w.Days = []string{"daily"}
	}
	for _, d := range w.Days {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "daily", "*":
			w.days = [7]bool{true, true, true, true, true, true, true}
		case "weekdays":
			for i := time.Monday; i <= time.Friday; i++ {
				w.days[i] = true
			}
		case "weekend", "weekends":
			w.days[time.Saturday], w.days[time.Sunday] = true, true
		default:
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return fmt.Errorf("unknown day %q", d)
			}
			w.days[wd] = true
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseClock parses HH:MM into minutes past midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return hh*60 + mm, nil
}

// contains reports whether t matches, at minute resolution, in t's location.
func (w *TimeWindow) contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	if w.startMin < w.endMin {
		return w.days[t.Weekday()] && minute >= w.startMin && minute < w.endMin
	}
	// Wrapping window belongs to the day it started on.
	if minute >= w.startMin {
		return w.days[t.Weekday()]
	}
	if minute < w.endMin {
		return w.days[(t.Weekday()+6)%7]
	}
	return false
}

// Clone returns a deep copy.
func (rs *RuleSet) Clone() *RuleSet {
	c := *rs
	c.Focus.SystemChannels = append([]string(nil), rs.Focus.SystemChannels...)
	c.VIPSenders = append([]string(nil), rs.VIPSenders...)
	c.UserAliases = append([]string(nil), rs.UserAliases...)
	c.Keywords = append([]string(nil), rs.Keywords...)
	c.TimeWindows = make([]TimeWindow, len(rs.TimeWindows))
	for i, w := range rs.TimeWindows {
		w.Days = append([]string(nil), w.Days...)
		w.Channels = append([]string(nil), w.Channels...)
		c.TimeWindows[i] = w
	}
	c.Channels = make([]ChannelRule, len(rs.Channels))
	for i, ch := range rs.Channels {
		ch.Devices = append([]string(nil), ch.Devices...)
		c.Channels[i] = ch
	}
	return &c
}
