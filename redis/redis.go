package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stanford-rc/hsm-action-stream"
)

// Default connection settings.
const (
	DefaultAddr = "localhost:6379"

	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second

	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 60 * time.Second
)

var _ hsmstream.StreamClient = (*Client)(nil)

// Client is a stream client backed by a single logical Redis connection.
// All commands take exclusive access to the connection; a pipeline is
// built and flushed while the mutex is held. Any command failure closes
// the connection so the next call redials.
type Client struct {
	mu   sync.Mutex
	conn redigo.Conn

	// Host:port of the Redis server.
	Addr string

	// Database index selected on dial.
	DB int

	// Password sent on dial; blank disables AUTH.
	Password string

	// Socket-level timeouts applied on dial.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Reconnect backoff bounds. The delay starts at MinBackoff, doubles
	// on every consecutive failure, and is capped at MaxBackoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewClient returns a new instance of Client with default settings.
func NewClient(addr string) *Client {
	return &Client{
		Addr: addr,

		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,

		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// dial establishes the connection if it is not already up.
// Must be called with the mutex held.
func (c *Client) dial(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	opts := []redigo.DialOption{
		redigo.DialConnectTimeout(c.ConnectTimeout),
		redigo.DialReadTimeout(c.ReadTimeout),
		redigo.DialDatabase(c.DB),
	}
	if c.Password != "" {
		opts = append(opts, redigo.DialPassword(c.Password))
	}

	conn, err := redigo.DialContext(ctx, "tcp", c.Addr, opts...)
	if err != nil {
		reconnectCountMetric.Inc()
		return fmt.Errorf("%w: dial %s: %s", hsmstream.ErrUnavailable, c.Addr, err)
	}
	c.conn = conn
	return nil
}

// fail tears down the connection after a command error so that the
// next call redials.
// Must be called with the mutex held.
func (c *Client) fail() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	reconnectCountMetric.Inc()
}

// Ping verifies the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Do("PING"); err != nil {
		c.fail()
		return fmt.Errorf("%w: ping: %s", hsmstream.ErrUnavailable, err)
	}
	return nil
}

// Append appends the payloads to the stream in order through a single
// pipeline and returns the server-assigned stream IDs, one per payload.
// On any failure no IDs are returned and the caller must assume none,
// some, or all of the entries were appended.
func (c *Client) Append(ctx context.Context, key string, payloads [][]byte) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	for _, payload := range payloads {
		if err := c.conn.Send("XADD", key, "*", "data", payload); err != nil {
			c.fail()
			return nil, fmt.Errorf("%w: xadd %s: %s", hsmstream.ErrUnavailable, key, err)
		}
	}
	if err := c.conn.Flush(); err != nil {
		c.fail()
		return nil, fmt.Errorf("%w: flush %s: %s", hsmstream.ErrUnavailable, key, err)
	}

	ids := make([]string, 0, len(payloads))
	for range payloads {
		id, err := redigo.String(c.conn.Receive())
		if err != nil {
			c.fail()
			return nil, fmt.Errorf("%w: xadd %s: %s", hsmstream.ErrUnavailable, key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Range reads up to count entries from the stream between from and to,
// inclusive on both ends.
func (c *Client) Range(ctx context.Context, key, from, to string, count int) ([]hsmstream.StreamEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	values, err := redigo.Values(c.conn.Do("XRANGE", key, from, to, "COUNT", count))
	if err != nil {
		c.fail()
		return nil, fmt.Errorf("%w: xrange %s: %s", hsmstream.ErrUnavailable, key, err)
	}

	entries := make([]hsmstream.StreamEntry, 0, len(values))
	for _, value := range values {
		entry, err := parseStreamEntry(value)
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseStreamEntry decodes one XRANGE reply element: a two-element
// array of the entry ID and a flat field/value list.
func parseStreamEntry(value interface{}) (hsmstream.StreamEntry, error) {
	parts, err := redigo.Values(value, nil)
	if err != nil || len(parts) != 2 {
		return hsmstream.StreamEntry{}, fmt.Errorf("malformed stream entry reply")
	}

	id, err := redigo.String(parts[0], nil)
	if err != nil {
		return hsmstream.StreamEntry{}, fmt.Errorf("malformed stream entry id")
	}

	fields, err := redigo.ByteSlices(parts[1], nil)
	if err != nil {
		return hsmstream.StreamEntry{}, fmt.Errorf("malformed stream entry fields: id=%s", id)
	}
	for i := 0; i+1 < len(fields); i += 2 {
		if string(fields[i]) == "data" {
			return hsmstream.StreamEntry{ID: id, Data: fields[i+1]}, nil
		}
	}
	return hsmstream.StreamEntry{ID: id}, nil
}

// ScanKeys returns all keys matching the pattern.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	var keys []string
	cursor := "0"
	for {
		values, err := redigo.Values(c.conn.Do("SCAN", cursor, "MATCH", pattern))
		if err != nil {
			c.fail()
			return nil, fmt.Errorf("%w: scan %s: %s", hsmstream.ErrUnavailable, pattern, err)
		} else if len(values) != 2 {
			return nil, fmt.Errorf("malformed scan reply: pattern=%s", pattern)
		}

		if cursor, err = redigo.String(values[0], nil); err != nil {
			return nil, fmt.Errorf("malformed scan cursor: pattern=%s", pattern)
		}
		page, err := redigo.Strings(values[1], nil)
		if err != nil {
			return nil, fmt.Errorf("malformed scan page: pattern=%s", pattern)
		}
		keys = append(keys, page...)

		if cursor == "0" {
			return keys, nil
		}
	}
}

// TrimMinID removes entries with IDs below minID, issuing approximate
// chunked trims of at most chunk entries at a time until a trim stops
// making progress. Returns the total number of entries removed.
func (c *Client) TrimMinID(ctx context.Context, key, minID string, chunk int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return 0, err
	}

	var total int64
	for {
		n, err := redigo.Int64(c.conn.Do("XTRIM", key, "MINID", "~", minID, "LIMIT", strconv.Itoa(chunk)))
		if err != nil {
			c.fail()
			return total, fmt.Errorf("%w: xtrim minid %s: %s", hsmstream.ErrUnavailable, key, err)
		}
		total += n

		if n == 0 {
			return total, nil
		}
	}
}

// TrimMaxLen trims the stream down to at most maxLen entries.
func (c *Client) TrimMaxLen(ctx context.Context, key string, maxLen int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return 0, err
	}

	n, err := redigo.Int64(c.conn.Do("XTRIM", key, "MAXLEN", strconv.Itoa(maxLen)))
	if err != nil {
		c.fail()
		return 0, fmt.Errorf("%w: xtrim maxlen %s: %s", hsmstream.ErrUnavailable, key, err)
	}
	return n, nil
}

// Retry runs fn until it succeeds, the error is non-retryable, or ctx
// is canceled. Retryable failures back off exponentially from
// MinBackoff to MaxBackoff; the delay resets once fn succeeds.
func (c *Client) Retry(ctx context.Context, op string, fn func() error) error {
	delay := c.MinBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		} else if !errors.Is(err, hsmstream.ErrUnavailable) {
			return err
		}

		log.Printf("redis unavailable, retrying in %s: op=%s err=%s", delay, op, err)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}

		if delay *= 2; delay > c.MaxBackoff {
			delay = c.MaxBackoff
		}
	}
}

// Client metrics.
var reconnectCountMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hsm_shipper_redis_reconnect_count",
	Help: "Number of Redis reconnect attempts after a failure.",
})
