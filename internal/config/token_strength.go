package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// Tokens scoring below this on the zxcvbn 0-4 scale trigger a startup
// warning. The agent still runs; field installs often start with a
// provisioning default that gets rotated later.
const minTokenScore = 3

// IsWeakToken reports whether the local API token is considered weak.
// An empty token disables auth entirely and is handled elsewhere, so it
// is treated as not weak here.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	if len(token) < 12 {
		return true
	}
	return zxcvbn.PasswordStrength(token, nil).Score < minTokenScore
}
