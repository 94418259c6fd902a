package redis

import (
	"strings"
)

var (
	App     = "coursemp" // project code
	Env     = "dev"      // dev|stg|prod
	Version = "v1"       // schema version for easy bust
)

func join(parts ...string) string {
	return strings.Join(parts, ":")
}

func pfx() string {
	return join(App, Env, Version)
}

func NormalizeAddress(addr string) string { return strings.ToLower(strings.TrimSpace(addr)) }

// SessionTokenKey holds the backend session token issued to one address.
func SessionTokenKey(address string) string {
	return join(pfx(), "session", "token", NormalizeAddress(address))
}

// ProfileKey holds the cached profile hash of one address.
func ProfileKey(address string) string {
	return join(pfx(), "profile", NormalizeAddress(address))
}
