// Package config holds the typed, validated configuration for every
// subsystem of the control core: transport, flow control, polling,
// streaming, retry, and circuit breaking.
package config

import (
	"fmt"
	"time"
)

// Config is the complete control-core configuration. Every field has a
// spec-mandated default (see Default()); the host is free to override any
// subset before calling Validate() and passing it to a Controller.
type Config struct {
	Transport  TransportConfig  `json:"transport"`
	Command    CommandConfig    `json:"command"`
	Status     StatusConfig     `json:"status"`
	Streaming  StreamingConfig  `json:"streaming"`
	Retry      RetryConfig      `json:"retry"`
	Resilience ResilienceConfig `json:"resilience"`
}

// TransportConfig configures the serial connection.
type TransportConfig struct {
	BaudRate int `json:"baud_rate"`
}

// CommandConfig configures the command manager's flow-control window and
// acknowledgement timing.
type CommandConfig struct {
	WindowBytes     int           `json:"window_bytes"`
	ResponseTimeout time.Duration `json:"response_timeout"`
}

// StatusConfig configures the adaptive status poller.
type StatusConfig struct {
	PollInterval     time.Duration `json:"poll_interval"`
	FastPollInterval time.Duration `json:"fast_poll_interval"`
	SlowPollInterval time.Duration `json:"slow_poll_interval"`
}

// StreamingConfig configures the streaming engine's look-ahead and
// checkpointing behavior.
type StreamingConfig struct {
	LookAheadLines          int     `json:"look_ahead_lines"`
	CheckpointIntervalLines int     `json:"checkpoint_interval_lines"`
	PositionToleranceMM     float64 `json:"position_tolerance_mm"`
}

// RetryConfig configures RetryManager defaults used across the core.
type RetryConfig struct {
	MaxRetries int `json:"max_retries"`
}

// ResilienceConfig configures the circuit breaker guarding controller
// writes.
type ResilienceConfig struct {
	CBThreshold int           `json:"cb_threshold"`
	CBCooldown  time.Duration `json:"cb_cooldown"`
}

// Default returns the configuration with every value the spec mandates:
// baud_rate=115200, window_bytes=128, poll_interval=250ms,
// fast_poll_interval=100ms, slow_poll_interval=2000ms, look_ahead_lines=15,
// response_timeout=10s, max_retries=3, cb_threshold=5, cb_cooldown=30s,
// checkpoint_interval_lines=500, position_tolerance_mm=0.01.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			BaudRate: 115200,
		},
		Command: CommandConfig{
			WindowBytes:     128,
			ResponseTimeout: 10 * time.Second,
		},
		Status: StatusConfig{
			PollInterval:     250 * time.Millisecond,
			FastPollInterval: 100 * time.Millisecond,
			SlowPollInterval: 2 * time.Second,
		},
		Streaming: StreamingConfig{
			LookAheadLines:          15,
			CheckpointIntervalLines: 500,
			PositionToleranceMM:     0.01,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
		},
		Resilience: ResilienceConfig{
			CBThreshold: 5,
			CBCooldown:  30 * time.Second,
		},
	}
}

// Validate checks every field against the bounds the spec and the
// controllers it drives require, returning the first violation found.
func (c *Config) Validate() error {
	if c.Transport.BaudRate <= 0 {
		return fmt.Errorf("transport.baud_rate must be positive (current: %d); common values are 9600, 115200, 230400", c.Transport.BaudRate)
	}

	if c.Command.WindowBytes <= 0 {
		return fmt.Errorf("command.window_bytes must be positive (current: %d); GRBL's default is 128", c.Command.WindowBytes)
	}
	if c.Command.ResponseTimeout <= 0 {
		return fmt.Errorf("command.response_timeout must be positive (current: %s)", c.Command.ResponseTimeout)
	}

	if c.Status.PollInterval <= 0 || c.Status.FastPollInterval <= 0 || c.Status.SlowPollInterval <= 0 {
		return fmt.Errorf("status poll intervals must all be positive (poll=%s fast=%s slow=%s)",
			c.Status.PollInterval, c.Status.FastPollInterval, c.Status.SlowPollInterval)
	}
	if c.Status.FastPollInterval > c.Status.PollInterval {
		return fmt.Errorf("status.fast_poll_interval (%s) must not exceed status.poll_interval (%s)", c.Status.FastPollInterval, c.Status.PollInterval)
	}
	if c.Status.PollInterval > c.Status.SlowPollInterval {
		return fmt.Errorf("status.poll_interval (%s) must not exceed status.slow_poll_interval (%s)", c.Status.PollInterval, c.Status.SlowPollInterval)
	}

	if c.Streaming.LookAheadLines <= 0 {
		return fmt.Errorf("streaming.look_ahead_lines must be positive (current: %d)", c.Streaming.LookAheadLines)
	}
	if c.Streaming.CheckpointIntervalLines <= 0 {
		return fmt.Errorf("streaming.checkpoint_interval_lines must be positive (current: %d)", c.Streaming.CheckpointIntervalLines)
	}
	if c.Streaming.PositionToleranceMM < 0 {
		return fmt.Errorf("streaming.position_tolerance_mm must not be negative (current: %f)", c.Streaming.PositionToleranceMM)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative (current: %d)", c.Retry.MaxRetries)
	}

	if c.Resilience.CBThreshold <= 0 {
		return fmt.Errorf("resilience.cb_threshold must be positive (current: %d)", c.Resilience.CBThreshold)
	}
	if c.Resilience.CBCooldown <= 0 {
		return fmt.Errorf("resilience.cb_cooldown must be positive (current: %s)", c.Resilience.CBCooldown)
	}

	return nil
}
