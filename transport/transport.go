// Package transport defines the boundary between the dispatcher and
// whatever terminates client connections.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/radar/errors"
)

// Conn is one client connection as seen by the dispatcher.
type Conn interface {
	ID() string
	// Send encodes v with the connection's codec and writes one frame. It
	// must not block on a slow peer.
	Send(v any) error
	Close() error
}

// Handler receives connection lifecycle events. OnClose is called exactly
// once per connection, after which no more OnMessage calls arrive.
type Handler interface {
	OnConnect(conn Conn)
	OnMessage(conn Conn, raw []byte)
	OnClose(conn Conn)
}

// Server accepts client connections and feeds them to a Handler.
type Server interface {
	Start(ctx context.Context, h Handler) error
	Close(ctx context.Context) error
}

// Codec turns outbound values into frames.
type Codec interface {
	Encode(v any) ([]byte, error)
	Name() string
}

// JSONCodec encodes with encoding/json. json.RawMessage and []byte values
// are written verbatim.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(v)
}

// FrameWriter is the raw write side of a connection.
type FrameWriter interface {
	WriteFrame(frame []byte) error
	Close() error
}

// NewConn wraps w so every Send goes through codec.
func NewConn(id string, w FrameWriter, codec Codec) Conn {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &codecConn{id: id, w: w, codec: codec}
}

type codecConn struct {
	id    string
	w     FrameWriter
	codec Codec

	closeOnce sync.Once
	closeErr  error
}

func (c *codecConn) ID() string { return c.id }

func (c *codecConn) Send(v any) error {
	frame, err := c.codec.Encode(v)
	if err != nil {
		return errors.WrapInvalid(err, "Conn", "Send", c.codec.Name()+" encode")
	}
	if err := c.w.WriteFrame(frame); err != nil {
		return errors.WrapTransient(err, "Conn", "Send", "write frame")
	}
	return nil
}

func (c *codecConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.w.Close() })
	return c.closeErr
}

// DefaultSendQueue is the per-connection frame queue used when none is
// configured.
const DefaultSendQueue = 256

// NewQueuedConn wraps w like NewConn, but Send only enqueues the frame; a
// writer goroutine owned by the connection performs the writes. When the
// queue is full the frame is dropped and the connection closed, so a peer
// that stops reading cannot stall the sender. Frames still queued at Close
// are dropped.
func NewQueuedConn(id string, w FrameWriter, codec Codec, queue int) Conn {
	if codec == nil {
		codec = JSONCodec{}
	}
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	c := &queuedConn{
		codecConn: codecConn{id: id, w: w, codec: codec},
		frames:    make(chan []byte, queue),
		done:      make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

type queuedConn struct {
	codecConn

	mu     sync.Mutex
	closed bool
	frames chan []byte
	done   chan struct{}
}

func (c *queuedConn) Send(v any) error {
	frame, err := c.codec.Encode(v)
	if err != nil {
		return errors.WrapInvalid(err, "Conn", "Send", c.codec.Name()+" encode")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapTransient(errors.ErrConnectionLost, "Conn", "Send", "enqueue frame")
	}
	select {
	case c.frames <- frame:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	go func() { _ = c.Close() }()
	return errors.WrapTransient(errors.ErrResourceExhausted, "Conn", "Send", "send queue full, closing")
}

func (c *queuedConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.frames:
			if err := c.w.WriteFrame(frame); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *queuedConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	return c.codecConn.Close()
}
