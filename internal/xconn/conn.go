// Package xconn implements one logical gRPC channel to one database node
//: lazily established, pessimizable, and closeable exactly once.
package xconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ChannelOptions configures the underlying gRPC channel.
type ChannelOptions struct {
	KeepaliveTime       time.Duration // default 30s
	KeepaliveTimeout    time.Duration // default 5s
	PermitWithoutStream bool          // default true
	MaxRecvMsgSize      int           // default 64MiB
	MaxSendMsgSize      int           // default 64MiB
	InitialBackoff      time.Duration // default 50ms
	MaxBackoff          time.Duration // default 5s
}

// DefaultChannelOptions returns the driver's stock channel settings.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		KeepaliveTime:       30 * time.Second,
		KeepaliveTimeout:    5 * time.Second,
		PermitWithoutStream: true,
		MaxRecvMsgSize:      64 << 20,
		MaxSendMsgSize:      64 << 20,
		InitialBackoff:      50 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
	}
}

// Connection owns one lazily established channel to one endpoint.
// Invariant: at most one channel exists per connection; Close closes the
// channel and every stream running on it.
type Connection struct {
	Endpoint xproto.Endpoint

	mu                  sync.Mutex
	channel             *grpc.ClientConn
	pessimizedUntil     time.Time
	opts                ChannelOptions
	dialOptionsOverride []grpc.DialOption // test hook
}

// New constructs a not-yet-connected Connection for endpoint.
func New(endpoint xproto.Endpoint, opts ChannelOptions) *Connection {
	return &Connection{Endpoint: endpoint, opts: opts}
}

// Channel lazily dials the endpoint on first use and returns the shared
// *grpc.ClientConn thereafter.
func (c *Connection) Channel(ctx context.Context) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		return c.channel, nil
	}

	var dialOpts []grpc.DialOption
	if c.dialOptionsOverride != nil {
		dialOpts = c.dialOptionsOverride
	} else {
		var creds credentials.TransportCredentials
		if c.Endpoint.TLS {
			tlsCfg := credentialsConfig(c.Endpoint)
			creds = tlsCfg
		} else {
			creds = insecure.NewCredentials()
		}

		dialOpts = []grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                c.opts.KeepaliveTime,
				Timeout:             c.opts.KeepaliveTimeout,
				PermitWithoutStream: c.opts.PermitWithoutStream,
			}),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(c.opts.MaxRecvMsgSize),
				grpc.MaxCallSendMsgSize(c.opts.MaxSendMsgSize),
			),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  c.opts.InitialBackoff,
					Multiplier: 1.6,
					Jitter:     0.2,
					MaxDelay:   c.opts.MaxBackoff,
				},
				MinConnectTimeout: c.opts.InitialBackoff,
			}),
		}
	}

	target := fmt.Sprintf("%s:%d", c.Endpoint.Host, c.Endpoint.Port)
	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("nexus/xconn: dial %s: %w", target, err)
	}
	c.channel = conn
	return conn, nil
}

// Pessimize marks the connection pessimized until deadline.
func (c *Connection) Pessimize(deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pessimizedUntil = deadline
}

// PessimizedUntil returns the zero time if the connection is not
// currently pessimized.
func (c *Connection) PessimizedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pessimizedUntil
}

// IsPessimized reports whether now is still before the pessimization
// deadline.
func (c *Connection) IsPessimized(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Before(c.pessimizedUntil)
}

// ClearPessimization drops the pessimization deadline (the connection
// migrates back to "good" on the pool's next selection).
func (c *Connection) ClearPessimization() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pessimizedUntil = time.Time{}
}

// Close closes the channel, if one was ever established. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return nil
	}
	err := c.channel.Close()
	c.channel = nil
	return err
}

// Ready reports whether the channel has transitioned to READY within the
// given deadline (used when discovery is disabled).
func (c *Connection) Ready(ctx context.Context, timeout time.Duration) error {
	conn, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(waitCtx, state) {
			return fmt.Errorf("nexus/xconn: channel did not become ready within %s", timeout)
		}
	}
}

func credentialsConfig(ep xproto.Endpoint) credentials.TransportCredentials {
	cfg := &tls.Config{}
	if ep.SSLTargetNameOverride != "" {
		cfg.ServerName = ep.SSLTargetNameOverride
	}
	return credentials.NewTLS(cfg)
}
