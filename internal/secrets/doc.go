// Package secrets masks credentials and one-time codes in notification text
// before it is forwarded into an agent session.
//
// Rules are regular expressions, optionally gated on keywords that must
// appear somewhere in the text. Overlapping matches are merged and replaced
// with a single marker. Matches on the allow list are kept.
package secrets
