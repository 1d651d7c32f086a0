// Package constants defines relay-wide protocol constants, timeouts and limits.
package constants

import "time"

// FCM Cloud Connection Server (XMPP) endpoints
const (
	// FCMXMPPHost is the production CCS host
	FCMXMPPHost = "fcm-xmpp.googleapis.com"

	// FCMXMPPPort is the production CCS port
	FCMXMPPPort = 5235

	// FCMXMPPTestPort is the pre-production CCS port
	FCMXMPPTestPort = 5236

	// FCMAuthDomain is appended to the sender ID to form the XMPP user JID
	FCMAuthDomain = "fcm.googleapis.com"

	// FCMNamespace is the namespace of the gcm payload element
	FCMNamespace = "google:mobile:data"

	// FCMElementName is the local name of the payload element
	FCMElementName = "gcm"

	// FCMDeviceGroupURL is the device group management endpoint
	FCMDeviceGroupURL = "https://fcm.googleapis.com/fcm/notification"
)

// Message types carried on the FCM wire
const (
	MessageTypeAck     = "ack"
	MessageTypeNack    = "nack"
	MessageTypeReceipt = "receipt"
	MessageTypeControl = "control"

	// ControlTypeDraining is sent by CCS before it closes a connection
	ControlTypeDraining = "CONNECTION_DRAINING"
)

// Time-related constants
const (
	// DefaultTimeout is the default timeout for outbound HTTP calls
	DefaultTimeout = 10 * time.Second

	// DedupTTL is how long an upstream message_id is remembered for redelivery detection
	DedupTTL = 10 * time.Minute

	// DedupCleanupInterval is the sweep interval of the in-memory dedup cache
	DedupCleanupInterval = time.Minute

	// ReconnectInitialBackoff is the first wait before reconnecting to CCS
	ReconnectInitialBackoff = time.Second

	// ReconnectMaxBackoff caps the reconnect backoff
	ReconnectMaxBackoff = 2 * time.Minute

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a loopback client may stay silent
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the write deadline for loopback frames
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Limits
const (
	// DefaultWorkerCount is the default number of packet workers
	DefaultWorkerCount = 8

	// DefaultQueueSize is the default depth of the packet queue
	DefaultQueueSize = 256

	// DefaultRSAKeyBits is the modulus size used by keygen
	DefaultRSAKeyBits = 2048

	// MaxDedupEntries bounds the in-memory dedup cache
	MaxDedupEntries = 100000

	// MaxPacketSize bounds a single loopback websocket frame
	MaxPacketSize = 64 * 1024
)
