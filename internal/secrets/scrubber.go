package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// Finding records one redacted span.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// RuleIDs returns the distinct rules that matched, sorted.
func (r *Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Scrubber detects and masks secrets.
type Scrubber struct {
	enabled     bool
	replacement string
	rules       []compiledRule
	allow       []*regexp.Regexp
}

// New compiles cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}
	if c.Replacement == "" {
		c.Replacement = "[REDACTED]"
	}
	rules, allow, err := c.compile()
	if err != nil {
		return nil, err
	}
	return &Scrubber{
		enabled:     c.Enabled,
		replacement: c.Replacement,
		rules:       rules,
		allow:       allow,
	}, nil
}

// Enabled reports whether Scrub masks anything.
func (s *Scrubber) Enabled() bool { return s != nil && s.enabled }

// Redact returns content with every finding masked.
func (s *Scrubber) Redact(content string) string {
	return s.Scrub(content).Scrubbed
}

// Scrub masks every finding in content.
func (s *Scrubber) Scrub(content string) *Result {
	res := &Result{Scrubbed: content}
	if !s.Enabled() || content == "" {
		return res
	}

	for _, r := range s.rules {
		if !r.applies(content) {
			continue
		}
		for _, m := range r.pattern.FindAllStringSubmatchIndex(content, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			if start == end || s.allowed(content[start:end]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{RuleID: r.id, Start: start, End: end})
		}
	}
	if len(res.Findings) == 0 {
		return res
	}

	spans := merge(res.Findings)
	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, sp := range spans {
		b.WriteString(content[last:sp.Start])
		b.WriteString(s.replacement)
		last = sp.End
	}
	b.WriteString(content[last:])
	res.Scrubbed = b.String()
	return res
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge sorts findings by position and joins overlapping spans.
func merge(findings []Finding) []Finding {
	spans := append([]Finding(nil), findings...)
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	out := spans[:1]
	for _, sp := range spans[1:] {
		cur := &out[len(out)-1]
		if sp.Start <= cur.End {
			if sp.End > cur.End {
				cur.End = sp.End
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}
