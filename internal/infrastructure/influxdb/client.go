package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	// Used when the config leaves batching unset.
	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second

	// coreTag is added to every point so several cores can share a bucket.
	coreTag = "core_id"
)

// Client is the locker telemetry sink. Points go through the batched,
// non-blocking write API; a nil or closed Client drops them silently.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	open     atomic.Bool

	mu      sync.Mutex
	onError func(error)
}

// Connect opens the sink and checks the server answers. coreID, when set,
// tags every point. It returns ErrDisabled when InfluxDB is switched off.
func Connect(cfg config.InfluxDBConfig, coreID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg, coreID))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	c.open.Store(true)
	go c.forwardErrors()
	return c, nil
}

func writeOptions(cfg config.InfluxDBConfig, coreID string) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) // #nosec G115 -- positive
	if coreID != "" {
		opts.AddDefaultTag(coreTag, coreID)
	}
	return opts
}

func ping(ctx context.Context, client influxdb2.Client) error {
	ok, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnhealthy
	}
	return nil
}

// forwardErrors hands asynchronous batch failures to the error callback.
// The channel closes when the client does.
func (c *Client) forwardErrors() {
	for err := range c.writeAPI.Errors() {
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// SetOnError sets the callback for failed batch writes.
func (c *Client) SetOnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// IsConnected reports whether points are being accepted.
func (c *Client) IsConnected() bool {
	return c != nil && c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are written.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close stops accepting points, flushes what is buffered and closes the
// connection. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil || !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
