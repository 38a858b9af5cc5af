package server

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultListen          = ":1337"
	DefaultRecvBuffer      = 65535
	DefaultStreamPath      = "/raw/stream.h264"
	DefaultMaxRequestSize  = 4096
	DefaultMaxPendingBytes = 4 << 20
)

// Config holds configuration for the broadcast server.
type Config struct {
	// Listen is the UDP address the server binds.
	Listen string

	// RecvBuffer is the size of the datagram read buffer. Datagrams larger
	// than the engine's maximum datagram size are read whole and dropped.
	RecvBuffer int

	// SocketBuffer sets SO_RCVBUF and SO_SNDBUF when positive.
	SocketBuffer int

	// DSCP marks outgoing datagrams with a differentiated services code
	// point (0-63). 0 leaves the socket unmarked.
	DSCP int

	// MaxSessions limits concurrent sessions.
	// 0 means unlimited.
	MaxSessions int

	// IdleTimeout removes sessions that received nothing for this long.
	// 0 means no timeout.
	IdleTimeout time.Duration

	// RetryRateLimit caps Retry packets per second; RetryBurst is the
	// bucket size. 0 disables the limiter.
	RetryRateLimit float64
	RetryBurst     int

	// StreamPath is the request path that subscribes a stream to video.
	StreamPath string

	// MaxRequestSize bounds the bytes accumulated for one request.
	MaxRequestSize int

	// MaxPendingBytes bounds a frame held back for a media stream.
	MaxPendingBytes int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          DefaultListen,
		RecvBuffer:      DefaultRecvBuffer,
		StreamPath:      DefaultStreamPath,
		MaxRequestSize:  DefaultMaxRequestSize,
		MaxPendingBytes: DefaultMaxPendingBytes,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.RecvBuffer < 1500 {
		errs = append(errs, fmt.Errorf("recv buffer %d is below 1500", c.RecvBuffer))
	}
	if c.SocketBuffer < 0 {
		errs = append(errs, errors.New("socket buffer must not be negative"))
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		errs = append(errs, fmt.Errorf("dscp %d must be between 0 and 63", c.DSCP))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("max sessions must not be negative"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle timeout must not be negative"))
	}
	if c.RetryRateLimit < 0 || c.RetryBurst < 0 {
		errs = append(errs, errors.New("retry rate limit and burst must not be negative"))
	}
	if c.RetryRateLimit > 0 && c.RetryBurst == 0 {
		errs = append(errs, errors.New("retry burst must be positive when the rate limit is set"))
	}
	if c.StreamPath == "" || c.StreamPath[0] != '/' {
		errs = append(errs, fmt.Errorf("stream path %q must start with /", c.StreamPath))
	}
	if c.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("max request size must be positive"))
	}
	if c.MaxPendingBytes <= 0 {
		errs = append(errs, errors.New("max pending bytes must be positive"))
	}
	return errors.Join(errs...)
}
