package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active.
	Enabled bool

	// Rules defines the detection rules. Empty means DefaultRules.
	Rules []Rule

	// Replacement is written in place of each match (default: "[REDACTED]").
	Replacement string

	// AllowList contains patterns whose matches are never redacted.
	AllowList []string
}

// Rule defines one detection rule.
type Rule struct {
	ID string

	// Pattern is matched against the text. When it has a capture group only
	// the first group is replaced.
	Pattern string

	// Keywords, when set, must appear (case-insensitive) for the rule to apply.
	Keywords []string
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig returns an enabled configuration with DefaultRules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Rules:       DefaultRules(),
		Replacement: "[REDACTED]",
	}
}

func (c *Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	var errs []error
	seen := make(map[string]bool, len(c.Rules))
	rules := make([]compiledRule, 0, len(c.Rules))

	for _, r := range c.Rules {
		if r.ID == "" {
			errs = append(errs, errors.New("rule id is required"))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate rule id %q", r.ID))
			continue
		}
		seen[r.ID] = true

		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err))
			continue
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for _, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("allow list pattern %q: %w", p, err))
			continue
		}
		allow = append(allow, re)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return rules, allow, nil
}
