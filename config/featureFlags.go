package config

import (
	"os"
	"strings"
)

// RemoteStoreEnabled gates the online write/read path. With the flag off the
// engine behaves as permanently offline (local cache + queue only).
//
// Set via env:
// - REMOTE_STORE_ENABLED=true
func RemoteStoreEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REMOTE_STORE_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SyncPushEndpointEnabled gates the Pub/Sub push endpoint that feeds realtime
// subscriptions.
//
// Set via env:
// - ENABLE_SYNC_PUSH_ENDPOINT=true
func SyncPushEndpointEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_SYNC_PUSH_ENDPOINT")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
