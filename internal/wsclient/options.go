package wsclient

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
)

// Options configure a Client. Zero values fall back to the defaults below.
type Options struct {
	// URL of the server WebSocket endpoint, e.g. ws://localhost:8000/ws/inspections
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the connection may go without a pong before it is dropped
	HeartbeatTimeout   time.Duration
	HealthCheckTimeout time.Duration

	// StagnationThreshold is the number of consecutive identical percentages that
	// makes a running job stagnant. Negative disables detection.
	StagnationThreshold int

	// OnReconnectAttempt is called before each reconnect attempt with the delay about to be waited.
	OnReconnectAttempt func(attempt int, delay time.Duration)
}

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultHeartbeatInterval    = 25 * time.Second
	defaultHealthCheckTimeout   = 5 * time.Second
	defaultStagnationThreshold  = 5
)

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		o.ReconnectMaxDelay = defaultReconnectMaxDelay
		if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
			o.ReconnectMaxDelay = o.ReconnectBaseDelay
		}
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if o.StagnationThreshold == 0 {
		o.StagnationThreshold = defaultStagnationThreshold
	}
	return o
}

// newReconnectBackOff doubles the delay from ReconnectBaseDelay up to ReconnectMaxDelay
// without randomization, so successive delays never decrease.
func newReconnectBackOff(o Options) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.ReconnectBaseDelay
	b.MaxInterval = o.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
