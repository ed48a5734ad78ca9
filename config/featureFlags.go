package config

import (
	"os"
	"strings"
)

// EnvBoolDefault reads a boolean env flag with a default.
func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// DeliveryEventsEnabled gates the best-effort Pub/Sub delivery event stream.
//
// Set via env:
// - ENABLE_DELIVERY_EVENTS=true
func DeliveryEventsEnabled() bool {
	return EnvBoolDefault("ENABLE_DELIVERY_EVENTS", false)
}

// StrictSuspensionCheck makes workers re-read the tenant record on every
// dispatch rather than trusting the cached copy.
//
// Set via env:
// - STRICT_SUSPENSION_CHECK=true
func StrictSuspensionCheck() bool {
	return EnvBoolDefault("STRICT_SUSPENSION_CHECK", false)
}
