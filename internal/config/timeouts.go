// Package config provides configuration types and utilities for dmm-server.
// Centralized timeout constants to eliminate magic numbers.
package config

import "time"

// Health Check Timeouts
const (
	// APICheckTimeout bounds the authenticated GET against the upstream
	// user endpoint.
	APICheckTimeout = 10 * time.Second

	// AuthCheckTimeout bounds the token validity check (same endpoint as
	// the API check, different failure classification).
	AuthCheckTimeout = 10 * time.Second

	// NetworkCheckTimeout bounds the lightweight HEAD probes against
	// well-known hosts.
	NetworkCheckTimeout = 5 * time.Second
)

// Retry & Backoff Configuration
const (
	// InitialBackoffDelay is the starting delay for exponential backoff
	InitialBackoffDelay = 1 * time.Second

	// MaxBackoffDelay is the maximum delay between reconnection attempts
	MaxBackoffDelay = 30 * time.Second

	// BackoffJitterFraction is the upper bound of the random jitter added
	// to each backoff delay, as a fraction of the pre-jitter value.
	BackoffJitterFraction = 0.10

	// DefaultMaxReconnectAttempts is the attempt ceiling when the caller
	// does not supply one.
	DefaultMaxReconnectAttempts = 10
)

// Notification Policy
const (
	// NotificationThrottleWindow suppresses duplicate notifications of the
	// same semantic kind within this window.
	NotificationThrottleWindow = 30 * time.Second

	// NotificationAutoDismissDelay is how long an auto-dismissible
	// notification stays up before it expires.
	NotificationAutoDismissDelay = 8 * time.Second
)

// Persistence Policy
const (
	// DefaultRecordMaxAge is the age past which a stored record is treated
	// as absent and evicted on load.
	DefaultRecordMaxAge = 7 * 24 * time.Hour

	// DefaultCollectionMaxItems caps bounded collections (notifications,
	// health-check history), dropping oldest first.
	DefaultCollectionMaxItems = 100

	// StorageRecordVersion is the envelope version written with every
	// stored record.
	StorageRecordVersion = 1
)

// Sync Policy
const (
	// DefaultIncrementalSyncWindow is the default "since" window for
	// incremental syncs when the request does not specify one.
	DefaultIncrementalSyncWindow = 24 * time.Hour

	// DefaultSyncPageSize is the page size used when enumerating remote
	// items.
	DefaultSyncPageSize = 100

	// MaxSyncPageSize is the upstream pagination ceiling.
	MaxSyncPageSize = 100
)

// Token Policy
const (
	// TokenExpiryBufferMinutes is subtracted from a token's lifetime when
	// deciding whether it is usable, so refreshes happen before the hard
	// expiry.
	TokenExpiryBufferMinutes = 5
)

// Event Bus
const (
	// EventChannelBufferSize is the buffer for per-type subscriptions
	EventChannelBufferSize = 64

	// EventChannelBufferSizeAll is the buffer for subscribe-all channels
	EventChannelBufferSizeAll = 256
)

// HTTP Server
const (
	// ServerShutdownTimeout is the graceful shutdown window for the HTTP server
	ServerShutdownTimeout = 10 * time.Second

	// ServerReadHeaderTimeout prevents Slowloris attacks
	ServerReadHeaderTimeout = 10 * time.Second
)
