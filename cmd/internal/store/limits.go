package store

import "time"

// Security/performance limits for the websocket store transport.
const (
	// Max bytes per websocket frame read (hard limit). Documents are written
	// wholesale, so this also bounds document size on the wire.
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max subscriptions a single session may hold.
	maxSubsPerSession = 64
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Debounced clients stay
	// far below this; an undebounced client writing per keystroke trips it.
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
