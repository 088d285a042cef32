package realtime

import "time"

// Frame and heartbeat limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Consecutive ping failures before the socket is treated as lost.
	maxPingFailures = 3

	// How long an explicit teardown waits for the peer to answer the close
	// frame before dropping the socket.
	closeGrace = 250 * time.Millisecond
)

// Reconnect defaults.
const (
	defaultReconnectDelay = 3 * time.Second
	defaultMaxReconnects  = 3
	defaultStableAfter    = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultUpdateBuffer   = 64
)
