package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by Send and Receive after either end closed
// the channel.
var ErrChannelClosed = errors.New("peer channel closed")

// Channel is the private framed duplex link a protocol instance owns for the
// lifetime of one negotiation attempt.
type Channel interface {
	Send(ctx context.Context, e Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// wsChannel frames envelopes as individual websocket messages. gorilla
// permits a single concurrent writer per connection, so every write path
// (data frames and the close control frame) takes writeMu.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketChannel wraps an established websocket connection. The caller
// hands over ownership; closing the channel closes the connection.
func NewWebsocketChannel(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(ctx context.Context, e Envelope) error {
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(e); err != nil {
		return fmt.Errorf("send %s: %w", e.Type, err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) (Envelope, error) {
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Envelope{}, err
	}

	var e Envelope
	if err := c.conn.ReadJSON(&e); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, io.EOF) {
			return Envelope{}, ErrChannelClosed
		}
		return Envelope{}, fmt.Errorf("receive: %w", err)
	}
	return e, nil
}

func (c *wsChannel) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

// pipeEnd is one side of an in-memory channel pair used by tests.
type pipeEnd struct {
	in   chan Envelope
	out  chan Envelope
	done chan struct{}
	stop func()
}

// NewPipe returns two connected in-memory channels. Closing either end ends
// both.
func NewPipe() (Channel, Channel) {
	ab := make(chan Envelope, 16)
	ba := make(chan Envelope, 16)
	done := make(chan struct{})

	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	a := &pipeEnd{in: ba, out: ab, done: done, stop: stop}
	b := &pipeEnd{in: ab, out: ba, done: done, stop: stop}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, e Envelope) error {
	select {
	case p.out <- e:
		return nil
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Envelope, error) {
	select {
	case e := <-p.in:
		return e, nil
	case <-p.done:
		// Drain frames sent before the close.
		select {
		case e := <-p.in:
			return e, nil
		default:
			return Envelope{}, ErrChannelClosed
		}
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.stop()
	return nil
}
