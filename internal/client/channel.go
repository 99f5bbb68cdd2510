package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/session"
)

var errNotConnected = errors.New("channel not connected")

type ChannelOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Near returns the caller's current position for the pending refresh a
	// driver does on reconnect. May be nil.
	Near         func() *models.Coord
	RadiusMeters float64
	// Buffer is the size of the Events channel.
	Buffer int
}

func (o *ChannelOptions) defaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RadiusMeters <= 0 {
		o.RadiusMeters = 5000
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
}

// Channel keeps a location channel open for one identity. Every time it
// (re)connects it reconciles the session against the registry before it
// reads a single event.
type Channel struct {
	url     string
	reader  session.Reader
	session *session.Session
	opts    ChannelOptions
	dialer  *websocket.Dialer
	events  chan models.Event
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	// closed once the first reconcile has finished
	ready     chan struct{}
	readyOnce sync.Once
}

func NewChannel(baseURL string, reader session.Reader, sess *session.Session, opts ChannelOptions, logger *slog.Logger) *Channel {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	who := sess.Identity()
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &Channel{
		url:     base + "/ws/" + string(who.Role) + "/" + who.ID,
		reader:  reader,
		session: sess,
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		events:  make(chan models.Event, opts.Buffer),
		logger:  logger.With("identity", who.ID, "role", who.Role),
		ready:   make(chan struct{}),
	}
}

// Events yields every event that changed the session, plus error replies.
// Events are dropped when the consumer falls behind; the session itself is
// always up to date.
func (c *Channel) Events() <-chan models.Event { return c.events }

// Ready is closed after the first successful connect and reconcile.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

func (c *Channel) Session() *session.Session { return c.session }

// Run connects and keeps reconnecting with exponential backoff until ctx is
// done.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("channel dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, c.opts.MaxBackoff)
			continue
		}
		backoff = c.opts.MinBackoff

		var near *models.Coord
		if c.opts.Near != nil {
			near = c.opts.Near()
		}
		if err := c.session.Reconcile(ctx, c.reader, near, c.opts.RadiusMeters); err != nil {
			c.logger.Warn("reconcile after connect failed", "error", err)
		}
		c.setConn(conn)
		c.readyOnce.Do(func() { close(c.ready) })
		c.logger.Info("channel connected")

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("channel lost", "error", err, "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return errs.Transport(err)
		}
		changed := c.session.Apply(ev)
		if !changed && ev.Type != models.EventError {
			continue
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event buffer full, dropping", "type", ev.Type, "request_id", ev.RequestID)
		}
	}
}

// Send writes one command. It fails with ErrTransport while disconnected.
func (c *Channel) Send(cmd models.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errs.Transport(errNotConnected)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return errs.Transport(err)
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
