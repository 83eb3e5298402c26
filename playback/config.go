package playback

import (
	"errors"
	"time"
)

// Config holds the engine's tunables. The thresholds are heuristics and are
// meant to be adjusted per deployment.
type Config struct {
	// Echo suppression window. It has to cover the time the player takes to
	// report a mutation. mpv reports a seek only once playback restarts,
	// which for streamed media takes well over the default.
	SuppressWindow time.Duration `koanf:"suppress_window"`

	// Only the latest local change within this window is guaranteed to be sent.
	CoalesceWindow time.Duration `koanf:"coalesce_window"`

	// Remote positions closer than this (in seconds) to the local position
	// don't trigger a seek.
	DriftThreshold float64 `koanf:"drift_threshold"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	PollFailures     int           `koanf:"poll_failures"`

	SendTimeout time.Duration `koanf:"send_timeout"`
	SendRetries int           `koanf:"send_retries"`

	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
	BackoffJitter float64       `koanf:"backoff_jitter"`
	MaxRetries    int           `koanf:"max_retries"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	JoinTimeout       time.Duration `koanf:"join_timeout"`

	// OriginID is the persisted participant id. A random one is generated
	// when it's empty.
	OriginID string `koanf:"origin_id"`
	Handle   string `koanf:"handle"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SuppressWindow:    100 * time.Millisecond,
		CoalesceWindow:    500 * time.Millisecond,
		DriftThreshold:    1.5,
		HandshakeTimeout:  10 * time.Second,
		PollInterval:      time.Second,
		PollFailures:      3,
		SendTimeout:       2 * time.Second,
		SendRetries:       1,
		BackoffBase:       time.Second,
		BackoffMax:        16 * time.Second,
		BackoffJitter:     0.1,
		MaxRetries:        5,
		HeartbeatInterval: 30 * time.Second,
		JoinTimeout:       10 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.SuppressWindow <= 0:
		return errors.New("suppress_window should be > 0")
	case c.CoalesceWindow < 0:
		return errors.New("coalesce_window should be >= 0")
	case c.DriftThreshold < 0:
		return errors.New("drift_threshold should be >= 0")
	case c.HandshakeTimeout <= 0:
		return errors.New("handshake_timeout should be > 0")
	case c.PollInterval <= 0:
		return errors.New("poll_interval should be > 0")
	case c.PollFailures < 1:
		return errors.New("poll_failures should be >= 1")
	case c.SendTimeout <= 0:
		return errors.New("send_timeout should be > 0")
	case c.SendRetries < 0:
		return errors.New("send_retries should be >= 0")
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return errors.New("backoff_base should be > 0 and <= backoff_max")
	case c.BackoffJitter < 0 || c.BackoffJitter >= 1:
		return errors.New("backoff_jitter should be in [0, 1)")
	case c.MaxRetries < 1:
		return errors.New("max_retries should be >= 1")
	case c.HeartbeatInterval <= 0:
		return errors.New("heartbeat_interval should be > 0")
	case c.JoinTimeout <= 0:
		return errors.New("join_timeout should be > 0")
	}
	return nil
}
