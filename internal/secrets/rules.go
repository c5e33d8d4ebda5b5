package secrets

// DefaultRules returns the built-in rules: verification codes plus the
// credential formats most often pasted into chat and mail.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "verification-code",
			Pattern:  `(?i)(?:code|otp|pin|passcode)\D{0,20}?\b(\d{4,8})\b`,
			Keywords: []string{"code", "otp", "pin", "verif", "passcode"},
		},
		{
			ID:      "aws-access-key-id",
			Pattern: `\b((?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16})\b`,
		},
		{
			ID:      "github-token",
			Pattern: `\b((?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,255})\b`,
		},
		{
			ID:      "slack-token",
			Pattern: `\b(xox[baprs]-[A-Za-z0-9-]{10,})\b`,
		},
		{
			ID:      "jwt",
			Pattern: `\b(eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,})\b`,
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+([A-Za-z0-9._~+/-]{20,}=*)`,
			Keywords: []string{"bearer"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|access[_-]?token|secret)\s*[:=]\s*['"]?([A-Za-z0-9_\-/+]{16,})`,
			Keywords: []string{"key", "token", "secret"},
		},
		{
			ID:       "password",
			Pattern:  `(?i)(?:password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{6,})`,
			Keywords: []string{"pass", "pwd"},
		},
		{
			ID:      "private-key",
			Pattern: `(-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----)`,
		},
	}
}
