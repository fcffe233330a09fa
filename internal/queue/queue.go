// Package queue provides the async pipeline that drains usage audit
// records into the database without blocking request handling.
//
// Two backends:
//   - Memory (channel-based): no persistence, zero external deps,
//     suitable for standalone deployments and tests.
//   - Redis (list-based): persistent across restarts, supports
//     distributed workers.
//
// Failed items are retried with exponential backoff and parked in a
// dead-letter queue when retries are exhausted.
package queue

import (
	"context"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// DequeueWithTimeout retrieves up to maxItems items, returning an
	// empty slice if none arrive before the timeout.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue holds items that exhausted their retries
type DeadLetterQueue interface {
	// Add adds a failed item with error info
	Add(ctx context.Context, item interface{}, err error) error

	// List retrieves up to maxItems items (0 = all)
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes an item by ID
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string
	Item      interface{}
	Error     string
	Timestamp time.Time
	Retries   int
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis indicates whether to use Redis or in-memory queue
	UseRedis bool

	// Redis connection settings (if UseRedis is true)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}
