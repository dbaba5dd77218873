package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/types"
)

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Notifier   = (*Connection)(nil)
)

const (
	inputChannelBuffer  = 64
	notifyChannelBuffer = 64
	notifyWriteTimeout  = 5 * time.Second
	audioWriteTimeout   = 5 * time.Second
)

// Message types of the text protocol.
const (
	typeHello = "hello"
	typeReady = "ready"
	typeEvent = "event"
	typeBye   = "bye"
)

// message is a text protocol message. Fields not used by a type are
// omitted.
type message struct {
	Type       string `json:"type"`
	CallerID   string `json:"caller_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

type hello struct {
	CallerID string
	audio.Format
}

// Connection is one WebSocket call. It implements [audio.Connection] and
// [audio.Notifier].
//
// Connection is safe for concurrent use.
type Connection struct {
	id       string
	format   audio.Format
	ws       *websocket.Conn
	platform *Platform

	input  chan audio.AudioFrame
	notify chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newConnection(ws *websocket.Conn, h hello, p *Platform) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       h.CallerID,
		format:   h.Format,
		ws:       ws,
		platform: p,
		input:    make(chan audio.AudioFrame, inputChannelBuffer),
		notify:   make(chan []byte, notifyChannelBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ID returns the caller id from the hello.
func (c *Connection) ID() string { return c.id }

// Format returns the audio format the client announced.
func (c *Connection) Format() audio.Format { return c.format }

// Input implements [audio.Connection].
func (c *Connection) Input() <-chan audio.AudioFrame { return c.input }

// Output implements [audio.Connection]. Chunks are converted to the
// client's format before sending.
func (c *Connection) Output() audio.Sink { return audio.SinkFunc(c.write) }

// write sends chunk on the connection's own context: coder/websocket closes
// the socket when a write's context ends mid-frame, and a barge-in cancels
// ctx.
func (c *Connection) write(ctx context.Context, chunk types.SynthesisChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return audio.ErrClosed
	}
	data := chunk.Data
	if chunk.SampleRate > 0 && chunk.Channels > 0 {
		data = audio.Convert(data, audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}, c.format)
	}
	if len(data) == 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(c.ctx, audioWriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("websocket: write audio to %s: %w", c.id, err)
	}
	return nil
}

// Notify queues an event for the client. The event is dropped when the
// queue is full.
func (c *Connection) Notify(_ context.Context, kind string, payload any) error {
	data, err := json.Marshal(message{Type: typeEvent, Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("websocket: encode event: %w", err)
	}
	if c.ctx.Err() != nil {
		return audio.ErrClosed
	}
	select {
	case c.notify <- data:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// DroppedEvents returns how many events were dropped on a full queue.
func (c *Connection) DroppedEvents() uint64 { return c.dropped.Load() }

// Close ends the call with a normal closure. It is safe to call more than
// once.
func (c *Connection) Close() error {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "call ended")
		c.cancel()
	})
	return nil
}

// abort tears down a connection that never started its loops.
func (c *Connection) abort() {
	c.closeOnce.Do(func() {
		_ = c.ws.CloseNow()
		c.cancel()
	})
	close(c.input)
}

func (c *Connection) writeJSON(ctx context.Context, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// run pumps events to the client and audio from it until the call ends.
func (c *Connection) run() {
	go c.notifyLoop()
	if c.readLoop() {
		c.closeOnce.Do(func() {
			_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
		})
	}
	<-c.done
}

func (c *Connection) notifyLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.notify:
			ctx, cancel := context.WithTimeout(c.ctx, notifyWriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.platform.logger.Debug("websocket event write failed", "caller", c.id, "err", err)
			}
		}
	}
}

// readLoop turns binary messages into frames. When it ends, the call is
// either hung up (bye, normal close or Close) or dropped. It reports whether
// the client said bye.
func (c *Connection) readLoop() bool {
	defer c.cancel()
	defer close(c.input)

	var ts time.Duration
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return false
		}
		switch typ {
		case websocket.MessageBinary:
			if len(data)%(2*c.format.Channels) != 0 {
				c.platform.logger.Debug("dropping misaligned audio message", "caller", c.id, "bytes", len(data))
				continue
			}
			frame := audio.AudioFrame{Data: data, SampleRate: c.format.SampleRate, Channels: c.format.Channels, Timestamp: ts}
			ts = frame.End()
			select {
			case c.input <- frame:
			case <-c.ctx.Done():
				c.finish(c.ctx.Err())
				return false
			}
		case websocket.MessageText:
			var m message
			if err := json.Unmarshal(data, &m); err != nil {
				c.platform.logger.Debug("ignoring malformed text message", "caller", c.id, "err", err)
				continue
			}
			if m.Type == typeBye {
				c.closing.Store(true)
				return true
			}
		}
	}
}

func (c *Connection) finish(err error) {
	if c.closing.Load() {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.platform.logger.Info("caller hung up", "caller", c.id)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	c.platform.logger.Warn("websocket call dropped", "caller", c.id, "err", err)
	c.platform.markDropped(c.id)
}
