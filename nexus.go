// Package nexus is the client SDK for the Nexus distributed SQL/NoSQL
// database. A Driver owns the connection pool and endpoint discovery; the
// query, coordination and topic clients hang off it.
package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/coordination"
	"github.com/nexusdb/nexus-go-sdk/internal/discovery"
	"github.com/nexusdb/nexus-go-sdk/internal/dsn"
	"github.com/nexusdb/nexus-go-sdk/internal/pool"
	"github.com/nexusdb/nexus-go-sdk/internal/xconn"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
	"github.com/nexusdb/nexus-go-sdk/query"
	"github.com/nexusdb/nexus-go-sdk/topic"
)

// TokenSource yields bearer tokens for the auth middleware. Token
// acquisition itself (OAuth flows, metadata servers) lives outside the
// SDK.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed string.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type config struct {
	readyTimeout      time.Duration
	tokenTimeout      time.Duration
	enableDiscovery   bool
	discoveryTimeout  time.Duration
	discoveryInterval time.Duration
	localDC           string
	sessionPoolSize   int
	channelOptions    xconn.ChannelOptions
	tokenSource       TokenSource
	logger            *zap.Logger
}

func defaultConfig() config {
	return config{
		readyTimeout:      30 * time.Second,
		tokenTimeout:      10 * time.Second,
		enableDiscovery:   true,
		discoveryTimeout:  10 * time.Second,
		discoveryInterval: 60 * time.Second,
		sessionPoolSize:   query.DefaultMaxSize,
		channelOptions:    xconn.DefaultChannelOptions(),
	}
}

// Option customizes a Driver.
type Option func(*config)

// WithLogger attaches a structured logger; nil logs nothing.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithReadyTimeout bounds the channel-readiness wait when discovery is
// disabled.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) { c.readyTimeout = d }
}

// WithTokenTimeout bounds each token acquisition.
func WithTokenTimeout(d time.Duration) Option {
	return func(c *config) { c.tokenTimeout = d }
}

// WithDiscovery turns periodic endpoint discovery on or off.
func WithDiscovery(enabled bool) Option {
	return func(c *config) { c.enableDiscovery = enabled }
}

// WithDiscoveryTimeout bounds each discovery round.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *config) { c.discoveryTimeout = d }
}

// WithDiscoveryInterval sets the re-discovery period. It must exceed the
// discovery timeout.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(c *config) { c.discoveryInterval = d }
}

// WithLocalDC prefers connections in the given datacenter.
func WithLocalDC(dc string) Option {
	return func(c *config) { c.localDC = dc }
}

// WithSessionPoolSize bounds the query session pool.
func WithSessionPoolSize(n int) Option {
	return func(c *config) { c.sessionPoolSize = n }
}

// WithChannelOptions overrides the gRPC channel defaults.
func WithChannelOptions(opts xconn.ChannelOptions) Option {
	return func(c *config) { c.channelOptions = opts }
}

// WithTokenSource configures the bearer-token middleware.
func WithTokenSource(ts TokenSource) Option {
	return func(c *config) { c.tokenSource = ts }
}

// DriverStats aggregates the observable state of the driver.
type DriverStats struct {
	Pool     pool.Stats      `json:"pool"`
	Sessions query.PoolStats `json:"sessions"`
}

// Driver is the root object: one per database URL. It owns the connection
// pool, runs endpoint discovery, and builds the service clients.
type Driver struct {
	info dsn.Info
	cfg  config
	log  *zap.Logger

	pool    *pool.Pool
	primary *xconn.Connection
	loop    *discovery.Loop
	clients *grpcClients
	query   *query.Client

	mu     sync.Mutex
	closed bool
}

// Open connects to the database named by connectionString
// (grpc(s)://host[:port][/database][?database=...&application=...]).
// With discovery enabled (the default) the endpoint list is resolved
// immediately and refreshed periodically; otherwise the single endpoint
// from the connection string is used and its channel readiness verified.
func Open(ctx context.Context, connectionString string, opts ...Option) (*Driver, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	info, err := dsn.Parse(connectionString)
	if err != nil {
		return nil, err
	}
	if cfg.enableDiscovery && cfg.discoveryInterval <= cfg.discoveryTimeout {
		return nil, xerrors.NewClientError(xerrors.ClientErrInvalidDSN,
			fmt.Sprintf("discovery interval %s must be greater than discovery timeout %s",
				cfg.discoveryInterval, cfg.discoveryTimeout))
	}

	d := &Driver{
		info: info,
		cfg:  cfg,
		log:  xlog.Named(cfg.logger, "nexus"),
		pool: pool.New(cfg.localDC, cfg.channelOptions),
	}
	d.primary = d.pool.Add(xproto.Endpoint{
		Host: info.Host,
		Port: info.Port,
		TLS:  info.Secure,
	})
	d.clients = newGRPCClients(d)

	if cfg.enableDiscovery {
		loop, err := discovery.New(d.clients.Discovery(), d.pool, discovery.Options{
			Database:          info.Database,
			DiscoveryTimeout:  cfg.discoveryTimeout,
			DiscoveryInterval: cfg.discoveryInterval,
			Logger:            cfg.logger,
		})
		if err != nil {
			return nil, err
		}
		if err := loop.Start(ctx); err != nil {
			_ = d.pool.Close()
			return nil, err
		}
		d.loop = loop
	} else {
		if err := d.primary.Ready(ctx, cfg.readyTimeout); err != nil {
			_ = d.pool.Close()
			return nil, err
		}
	}

	d.query = query.NewClient(d.clients.Query(), cfg.sessionPoolSize, cfg.logger)
	d.log.Info("driver opened",
		zap.String("database", info.Database),
		zap.Bool("discovery", cfg.enableDiscovery))
	return d, nil
}

// Database returns the database path this driver serves.
func (d *Driver) Database() string { return d.info.Database }

// Query returns the query client (statement execution, transactions,
// session pool).
func (d *Driver) Query() *query.Client { return d.query }

// Coordination opens a coordination session at path.
func (d *Driver) Coordination(ctx context.Context, path string, opts coordination.Options) (*coordination.Session, error) {
	if opts.Logger == nil {
		opts.Logger = d.cfg.logger
	}
	if opts.Ready == nil {
		opts.Ready = d.Ready
	}
	return coordination.NewSession(ctx, d.clients.Coordination(), path, opts)
}

// TopicReader starts a topic reader with the driver's transport, token
// refresh and readiness plumbing wired in.
func (d *Driver) TopicReader(opts topic.ReaderOptions) *topic.Reader {
	if opts.Logger == nil {
		opts.Logger = d.cfg.logger
	}
	if opts.Ready == nil {
		opts.Ready = d.Ready
	}
	if opts.TokenSource == nil && d.cfg.tokenSource != nil {
		opts.TokenSource = d.cfg.tokenSource.Token
	}
	return topic.NewReader(d.clients.Topic(), opts)
}

// TopicWriter starts a topic writer.
func (d *Driver) TopicWriter(opts topic.WriterOptions) *topic.Writer {
	if opts.Logger == nil {
		opts.Logger = d.cfg.logger
	}
	if opts.Ready == nil {
		opts.Ready = d.Ready
	}
	return topic.NewWriter(d.clients.Topic(), opts)
}

// WhoAmI returns the authenticated identity the server sees.
func (d *Driver) WhoAmI(ctx context.Context) (string, error) {
	return d.clients.Discovery().WhoAmI(ctx)
}

// Ready blocks until some connection's channel reports READY, bounded by
// the ready timeout.
func (d *Driver) Ready(ctx context.Context) error {
	conn, err := d.pool.Acquire(pool.AcquireOptions{AllowFallback: true})
	if err != nil {
		return err
	}
	return conn.Ready(ctx, d.cfg.readyTimeout)
}

// Stats reports the pool and session-pool composition.
func (d *Driver) Stats() DriverStats {
	return DriverStats{
		Pool:     d.pool.Stats(),
		Sessions: d.query.Pool().Stats(),
	}
}

// Close shuts the driver down: the session pool drains, discovery stops,
// and every channel closes. Idempotent.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	if d.query != nil {
		if err := d.query.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if d.loop != nil {
		d.loop.Stop()
	}
	if err := d.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.log.Info("driver closed")
	return firstErr
}
