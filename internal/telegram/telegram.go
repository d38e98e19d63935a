// Package telegram implements the messaging network client on top of the
// gotd MTProto library.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

const (
	DefaultRateLimit       = 10 // requests per second
	DefaultRateBurst       = 5
	DefaultFloodRetries    = 3
	DefaultEntityScanLimit = 500
)

// Options configures the Telegram client factory.
type Options struct {
	AppID   int
	AppHash string

	DeviceModel   string
	SystemVersion string
	AppVersion    string

	// RateLimit is the sustained request rate per connection.
	RateLimit rate.Limit
	RateBurst int
	// FloodWaitRetries bounds automatic retries after FLOOD_WAIT errors.
	FloodWaitRetries uint
	// EntityScanLimit bounds how many dialogs GetEntity searches.
	EntityScanLimit int
}

// Factory creates Telegram clients. It is only constructed when API
// credentials are configured.
type Factory struct {
	opts Options
}

var _ protocol.Factory = (*Factory)(nil)

func NewFactory(opts Options) (*Factory, error) {
	if opts.AppID <= 0 {
		return nil, errors.New("telegram api_id must be positive")
	}
	if opts.AppHash == "" {
		return nil, errors.New("telegram api_hash is required")
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.FloodWaitRetries == 0 {
		opts.FloodWaitRetries = DefaultFloodRetries
	}
	if opts.EntityScanLimit <= 0 {
		opts.EntityScanLimit = DefaultEntityScanLimit
	}
	return &Factory{opts: opts}, nil
}

func (f *Factory) Available() bool { return true }

// NewClient builds an unconnected client. A non-empty serialized session is
// loaded so the client resumes as the same authorized account.
func (f *Factory) NewClient(serialized string) (protocol.Client, error) {
	storage := &session.StorageMemory{}
	if serialized != "" {
		data, err := decodeSession(serialized)
		if err != nil {
			return nil, err
		}
		if err := storage.StoreSession(context.Background(), data); err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	client := telegram.NewClient(f.opts.AppID, f.opts.AppHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
		Device: telegram.DeviceConfig{
			DeviceModel:   f.opts.DeviceModel,
			SystemVersion: f.opts.SystemVersion,
			AppVersion:    f.opts.AppVersion,
		},
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter().WithMaxRetries(f.opts.FloodWaitRetries),
			ratelimit.New(f.opts.RateLimit, f.opts.RateBurst),
		},
	})

	return &Client{
		client:    client,
		storage:   storage,
		scanLimit: f.opts.EntityScanLimit,
		entities:  make(map[int64]protocol.Entity),
	}, nil
}

// Client is one MTProto connection. The gotd client runs in a background
// goroutine between Connect and Disconnect.
type Client struct {
	client    *telegram.Client
	storage   *session.StorageMemory
	scanLimit int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	// entities caches peers seen in dialog listings by marked id; guarded by mu
	entities map[int64]protocol.Entity
}

var _ protocol.Client = (*Client)(nil)

// Connect starts the client and waits until it is ready for API calls.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		defer close(done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-done:
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, c.err())
	case <-ctx.Done():
		dctx, dcancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer dcancel()
		_ = c.Disconnect(dctx)
		return ctx.Err()
	}
}

// Disconnect stops the client. It is idempotent and waits for the run loop
// to exit or ctx to expire.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for client shutdown: %w", ctx.Err())
	}
}

// SerializeSession encodes the current MTProto session.
func (c *Client) SerializeSession(ctx context.Context) (string, error) {
	data, err := c.storage.LoadSession(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return "", errors.New("no session established")
	}
	if err != nil {
		return "", fmt.Errorf("dump session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeSession(serialized string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return data, nil
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Alive reports whether the run loop is still up.
func (c *Client) Alive() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// call runs fn if the connection is alive and marks errors caused by a dead
// connection with protocol.ErrConnectionClosed.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.Alive() {
		return protocol.ErrConnectionClosed
	}
	err := fn(ctx)
	if err != nil && !c.Alive() {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return err
}

// shutdownGrace bounds how long Connect waits for a failed start to unwind.
const shutdownGrace = 5 * time.Second
