// Package wsclient is the client end of the relay's websocket channel.
package wsclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrDisconnected = errors.New("signaling channel is down")

const writeWait = 5 * time.Second

// Handler receives inbound messages and connectivity changes.
type Handler interface {
	HandleMessage(msg domain.Message)
	SignalingLost()
	SignalingRestored(self domain.SessionID)
}

type Options struct {
	URL            string
	ReconnectDelay time.Duration
	// PingPeriod is the interval of application pings. Zero disables them
	// and the read deadline.
	PingPeriod time.Duration
	SendBuffer int
	Dialer     *websocket.Dialer
}

// Client keeps one websocket to the relay open, redialing after a loss.
// Messages are never re-sent across connections.
type Client struct {
	opts    Options
	handler Handler

	mu   sync.RWMutex
	send chan core.Frame
}

func New(opts Options, h Handler) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, handler: h}
}

// Send queues msg on the current connection. It fails with a
// SignalingDeliveryError when the channel is down or full.
func (c *Client) Send(_ context.Context, msg domain.Message) error {
	f, err := core.EncodeMessage(msg)
	if err != nil {
		return core.SignalingDeliveryError(string(msg.Type), err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.send == nil {
		return core.SignalingDeliveryError(string(msg.Type), ErrDisconnected)
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.SignalingDeliveryError(string(msg.Type), core.ErrBackpressure)
	}
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.send != nil
}

// Run dials the relay and keeps the channel up until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	logger := log.With().Str("module", "wsclient").Str("url", c.opts.URL).Logger()
	reconnect := false
	for {
		connected, err := c.connect(ctx, reconnect)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			logger.Warn().Err(err).Msg("signaling channel lost")
			c.handler.SignalingLost()
			reconnect = true
		} else {
			logger.Error().Err(err).Msg("dial failed")
		}

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connect runs one connection until it fails. It reports whether the dial
// succeeded.
func (c *Client) connect(ctx context.Context, reconnect bool) (bool, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	log.Info().Str("module", "wsclient").Str("url", c.opts.URL).Msg("connected")

	send := make(chan core.Frame, c.opts.SendBuffer)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(connCtx, conn, send)
	}()

	err = c.readPump(conn, reconnect)
	cancel()
	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	<-done
	return true, err
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan core.Frame) {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		t := time.NewTicker(c.opts.PingPeriod)
		defer t.Stop()
		tick = t.C
	}
	ping, _ := core.EncodeMessage(domain.Message{Type: domain.KindPing})
	defer func() { _ = conn.Close() }()

	write := func(data []byte) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "wsclient").Msg("write error")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-tick:
			if !write(ping) {
				return
			}
		case data := <-send:
			if !write(data) {
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, reconnect bool) error {
	deadline := func() {
		if c.opts.PingPeriod > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingPeriod))
		}
	}
	deadline()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		deadline()
		msg, err := core.DecodeMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad message from relay")
			continue
		}
		// On a reconnect the new identity arrives as the restore itself.
		if msg.Type == domain.KindSession && reconnect {
			c.handler.SignalingRestored(msg.ID)
			continue
		}
		c.handler.HandleMessage(msg)
	}
}
