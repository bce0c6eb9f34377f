package credis

import (
	"time"
)

// config holds the configuration for a Server
type config struct {
	// Listening settings
	listenAddr string

	// Replica settings; empty masterAddr means the server is a master
	masterAddr string

	// Timeouts and limits
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	idleTimeout      time.Duration
	retryBackoffMin  time.Duration
	retryBackoffMax  time.Duration
	maxBulkSize      int64

	// Storage
	shardCount int

	// Observability
	logger Logger
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		listenAddr:       ":6379",
		connectTimeout:   5 * time.Second,
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		idleTimeout:      0, // no idle limit
		retryBackoffMin:  500 * time.Millisecond,
		retryBackoffMax:  30 * time.Second,
		logger:           &defaultLogger{},
	}
}

// Option represents a configuration option for a Server
type Option func(*config) error

// WithListenAddr sets the address the server listens on
//
// Example:
//
//	WithListenAddr(":6379")
//	WithListenAddr("127.0.0.1:6380")
func WithListenAddr(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return ErrInvalidConfig
		}
		c.listenAddr = addr
		return nil
	}
}

// WithMaster makes the server a replica of the master at addr
//
// Example:
//
//	WithMaster("redis.example.com:6379")
//	WithMaster("localhost:6379")
func WithMaster(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return &ConnectionError{
				Addr: addr,
				Err:  ErrInvalidConfig,
			}
		}
		c.masterAddr = addr
		return nil
	}
}

// WithLogger sets a custom logger implementation
//
// Example:
//
//	WithLogger(credis.NewZapLogger(zapLogger.Sugar()))
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithConnectTimeout sets the connection timeout for the master connection
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithHandshakeTimeout bounds each wait for a handshake reply from the master
//
// Example:
//
//	WithHandshakeTimeout(15 * time.Second)
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the write timeout for network operations
//
// Example:
//
//	WithWriteTimeout(10 * time.Second)
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithIdleTimeout bounds how long a client connection may sit between
// requests. Zero disables the limit.
//
// Example:
//
//	WithIdleTimeout(5 * time.Minute)
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithRetryBackoff sets the bounds of the replica's reconnect backoff
//
// Example:
//
//	WithRetryBackoff(time.Second, time.Minute)
func WithRetryBackoff(min, max time.Duration) Option {
	return func(c *config) error {
		if min <= 0 || max < min {
			return ErrInvalidConfig
		}
		c.retryBackoffMin = min
		c.retryBackoffMax = max
		return nil
	}
}

// WithMaxBulkSize caps the accepted bulk string length on client readers
//
// Example:
//
//	WithMaxBulkSize(64 * 1024 * 1024)
func WithMaxBulkSize(n int64) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.maxBulkSize = n
		return nil
	}
}

// WithShardCount sets the number of keyspace shards; it is rounded up to
// a power of two
//
// Example:
//
//	WithShardCount(64)
func WithShardCount(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.shardCount = n
		return nil
	}
}
