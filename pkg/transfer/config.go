package transfer

import (
	"errors"
	"time"
)

// Config holds all tunables of the chunking, seeding and download paths.
type Config struct {
	// Chunk configuration
	ChunkSize    int32 `json:"chunk_size"`
	MaxChunkSize int32 `json:"max_chunk_size"`
	MinChunkSize int32 `json:"min_chunk_size"`
	BatchSize    int   `json:"batch_size"` // chunks hashed per batch

	// Advertised upper bound on shareable files
	MaxFileSize int64 `json:"max_file_size"`

	// Download scheduling
	MaxInflightPerPeer int           `json:"max_inflight_per_peer"`
	RequestTimeout     time.Duration `json:"request_timeout"`
	RetryPolicy        *RetryPolicy  `json:"retry_policy"`

	// Seed pacing between consecutive sends on one session
	PacingDelay time.Duration `json:"pacing_delay"`

	// Event settings
	EventBufferSize int `json:"event_buffer_size"`
}

// Chunk size constants
const (
	DefaultChunkSize = 256 * 1024 // 256KB
	MaxChunkSize     = 1024 * 1024
	MinChunkSize     = 4 * 1024

	DefaultBatchSize   = 10
	DefaultMaxFileSize = 100 * 1024 * 1024 // 100MB
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:    DefaultChunkSize,
		MaxChunkSize: MaxChunkSize,
		MinChunkSize: MinChunkSize,
		BatchSize:    DefaultBatchSize,

		MaxFileSize: DefaultMaxFileSize,

		MaxInflightPerPeer: 8,
		RequestTimeout:     15 * time.Second,
		RetryPolicy:        DefaultRetryPolicy(),

		PacingDelay: 0,

		EventBufferSize: 256,
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}
	if c.MinChunkSize <= 0 {
		return errors.New("min_chunk_size must be positive")
	}
	if c.MaxChunkSize <= 0 {
		return errors.New("max_chunk_size must be positive")
	}
	if c.ChunkSize < c.MinChunkSize {
		return errors.New("chunk_size cannot be less than min_chunk_size")
	}
	if c.ChunkSize > c.MaxChunkSize {
		return errors.New("chunk_size cannot be greater than max_chunk_size")
	}
	if c.MinChunkSize > c.MaxChunkSize {
		return errors.New("min_chunk_size cannot be greater than max_chunk_size")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}

	if c.MaxFileSize < 0 {
		return errors.New("max_file_size cannot be negative")
	}

	if c.MaxInflightPerPeer <= 0 {
		return errors.New("max_inflight_per_peer must be positive")
	}
	if c.RequestTimeout < 0 {
		return errors.New("request_timeout cannot be negative")
	}
	if c.RetryPolicy == nil {
		return errors.New("retry_policy cannot be nil")
	}
	if c.RetryPolicy.MaxRetries < 0 {
		return errors.New("retry_policy.max_retries cannot be negative")
	}

	if c.PacingDelay < 0 {
		return errors.New("pacing_delay cannot be negative")
	}
	if c.EventBufferSize <= 0 {
		return errors.New("event_buffer_size must be positive")
	}

	return nil
}

// IsValidChunkSize checks if a chunk size is within acceptable bounds
func (c *Config) IsValidChunkSize(chunkSize int32) bool {
	return chunkSize >= c.MinChunkSize && chunkSize <= c.MaxChunkSize
}

// RetryPolicy bounds how often a single chunk is re-requested from one peer
// before that peer is given up on for the download.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Second,
	}
}

// GetRetryDelay calculates the delay before the next retry attempt
func (rp *RetryPolicy) GetRetryDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return rp.InitialDelay
	}

	delay := rp.InitialDelay
	for i := 0; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * rp.BackoffFactor)
		if delay > rp.MaxDelay {
			return rp.MaxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after retryCount failures.
func (rp *RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < rp.MaxRetries
}
