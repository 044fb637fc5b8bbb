package constants

import "time"

const (
	// RequestIDLength size of the correlation id sent with each gateway request
	RequestIDLength = 16
	// CloseMessageCode identifies the message id for a close request
	CloseMessageCode = 1000
	// DefaultCallTimeout is the timeout applied to a single gateway call
	DefaultCallTimeout = 30 * time.Second

	// DefaultCacheSize is the maximum number of records the cache holds
	DefaultCacheSize = 1000
	// DefaultCacheTTL is applied to records stored without an explicit TTL
	DefaultCacheTTL = 5 * time.Minute

	// DefaultSignalHistorySize bounds the router's signal history ring
	DefaultSignalHistorySize = 100
	// DefaultSubscriberQueueSize bounds the per-subscriber delivery queue
	DefaultSubscriberQueueSize = 64

	// DefaultBatchWindow is the coalescing window for same-type fetches
	DefaultBatchWindow = 20 * time.Millisecond
	// DefaultBatchSize caps how many identities one bulk call may carry
	DefaultBatchSize = 25
	// DefaultMaxRetries bounds retries of transient fetch failures
	DefaultMaxRetries = 3

	// DefaultRefreshInterval drives the eager strategy's refresh loop
	DefaultRefreshInterval = 30 * time.Second

	// DefaultInitialBackoff is the first reconnection delay
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps the reconnection delay
	DefaultMaxBackoff = 30 * time.Second
	// DefaultHealthCheckInterval is how often the supervisor polls the
	// gateway while connected
	DefaultHealthCheckInterval = 5 * time.Second
)

const (
	WebsocketScheme       = "ws"
	SecureWebsocketScheme = "wss"
)
