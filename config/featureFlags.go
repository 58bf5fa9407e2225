package config

import (
	"os"
	"strings"
)

// RailDisabled is a per-rail kill switch for sync scheduling and webhooks.
//
// Set via env:
// - SYNC_DISABLED_RAILS="qbo,relay"
//
// Rail names are case-insensitive.
func RailDisabled(rail string) bool {
	rail = strings.ToLower(strings.TrimSpace(rail))
	if rail == "" {
		return false
	}
	raw := os.Getenv("SYNC_DISABLED_RAILS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == rail {
			return true
		}
	}
	return false
}

// RailWebhooksEnabled gates the inbound /webhooks/:rail endpoint.
//
// Set via env:
// - ENABLE_RAIL_WEBHOOKS=true
func RailWebhooksEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_RAIL_WEBHOOKS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
