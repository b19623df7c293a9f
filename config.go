package presence

import "time"

// Config contains Node configuration options.
type Config struct {
	Version string
	Name    string

	// DefaultTimeout is the client expiry used when a channel config does
	// not specify its own.
	DefaultTimeout time.Duration
	// MutexTTL bounds how long a crashed holder can keep a channel publish
	// mutex before it self-expires.
	MutexTTL time.Duration
	// MutexRetries caps internal retries of an operation that hit the
	// publish mutex; exceeding it surfaces ErrorInternal.
	MutexRetries int
	// MutexRetryDelay is the base delay between mutex retries, jittered.
	MutexRetryDelay time.Duration

	// ReapInterval is how often the reaper sweeps channels with expiring
	// clients. Cost of a sweep is proportional to channels with near-term
	// expirations, not to the total number of channels.
	ReapInterval time.Duration

	// ConfigCacheTTL bounds staleness of resolved channel configurations.
	ConfigCacheTTL time.Duration
	// ConfigCacheSize is the otter cache capacity.
	ConfigCacheSize int

	// NodeInfoPublishInterval is how often this node announces itself with
	// a metrics snapshot on the control channel.
	NodeInfoPublishInterval time.Duration
	// NodeInfoCleanDelay is how long a silent peer stays in the registry.
	NodeInfoCleanDelay time.Duration

	LogLevel   LogLevel
	LogHandler LogHandler
}

// DefaultConfig ...
var DefaultConfig = Config{
	Name: "presence",

	DefaultTimeout:  60 * time.Second,
	MutexTTL:        10 * time.Second,
	MutexRetries:    5,
	MutexRetryDelay: 50 * time.Millisecond,

	ReapInterval: 2 * time.Second,

	ConfigCacheTTL:  10 * time.Second,
	ConfigCacheSize: 4096,

	NodeInfoPublishInterval: 10 * time.Second,
	NodeInfoCleanDelay:      60 * time.Second,
}
