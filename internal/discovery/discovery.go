// Package discovery implements the Driver's periodic endpoint discovery
// loop: an initial discovery call under a retry loop, then a timer
// that re-discovers at a fixed interval without blocking process exit.
package discovery

import (
	"context"
	"time"

	"github.com/nexusdb/nexus-go-sdk/internal/pool"
	"github.com/nexusdb/nexus-go-sdk/internal/retry"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
	"go.uber.org/zap"
)

// Options configures the discovery loop.
type Options struct {
	Database          string
	DiscoveryTimeout  time.Duration // default 10s
	DiscoveryInterval time.Duration // default 60s; must be > DiscoveryTimeout
	Logger            *zap.Logger
}

// Loop owns the ticker-driven re-discovery goroutine.
type Loop struct {
	client  xproto.DiscoveryClient
	pool    *pool.Pool
	opts    Options
	log     *zap.Logger
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New validates options (interval must exceed timeout) and constructs a
// Loop.
func New(client xproto.DiscoveryClient, p *pool.Pool, opts Options) (*Loop, error) {
	if opts.DiscoveryInterval <= opts.DiscoveryTimeout {
		return nil, errInvalidInterval
	}
	return &Loop{
		client: client,
		pool:   p,
		opts:   opts,
		log:    xlog.Named(opts.Logger, "discovery"),
	}, nil
}

var errInvalidInterval = discoveryIntervalError{}

type discoveryIntervalError struct{}

func (discoveryIntervalError) Error() string {
	return "nexus/discovery: discovery_interval_ms must be greater than discovery_timeout_ms"
}

// RunOnce performs one discovery round under a retry loop and applies the
// result to the pool via pool.Add.
func (l *Loop) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.DiscoveryTimeout)
	defer cancel()

	result, err := retry.Do(ctx, retry.Config{
		Idempotent: true,
		Budget:     5,
	}, func(ctx context.Context) (xproto.ListEndpointsResult, error) {
		return l.client.ListEndpoints(ctx, l.opts.Database)
	})
	if err != nil {
		l.log.Warn("discovery round failed", zap.Error(err))
		return err
	}

	for _, ep := range result.Endpoints {
		l.pool.Add(ep)
	}
	l.log.Info("discovery round complete", zap.Int("endpoints", len(result.Endpoints)))
	return nil
}

// Start runs an initial RunOnce, then schedules periodic re-discovery on a
// ticker that does not prevent process exit (the goroutine exits as soon
// as ctx is cancelled).
func (l *Loop) Start(ctx context.Context) error {
	if err := l.RunOnce(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopped = make(chan struct{})

	go func() {
		defer close(l.stopped)
		ticker := time.NewTicker(l.opts.DiscoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := l.RunOnce(loopCtx); err != nil {
					l.log.Warn("periodic discovery failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop cancels the periodic re-discovery goroutine and waits for it to
// exit.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.stopped
}
