// Package websocket provides an [audio.Platform] that takes calls over
// WebSocket connections via coder/websocket.
//
// A client opens a WebSocket on the platform's path and sends a JSON hello
// as its first text message:
//
//	{"type":"hello","caller_id":"c-42","sample_rate":16000,"channels":1}
//
// The server answers with {"type":"ready","caller_id":"c-42"}. From then on
// binary messages in both directions carry 16-bit little-endian PCM in the
// format the hello announced, and the server pushes session events as
// {"type":"event","kind":"...","payload":{...}} text messages. The client
// ends the call with {"type":"bye"} or a normal close.
//
// A connection that drops without a normal close can be resumed: the client
// reconnects with the same caller_id and [Platform.Redial] hands the new
// connection to the waiting session.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxline/pkg/audio"
)

var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Redialer = (*Platform)(nil)
	_ http.Handler   = (*Platform)(nil)
)

// Defaults for [New].
const (
	DefaultPath          = "/call"
	DefaultSampleRate    = 16000
	DefaultHelloTimeout  = 5 * time.Second
	DefaultRedialWindow  = 30 * time.Second
	DefaultRedialTimeout = 10 * time.Second

	acceptQueue = 16
)

// ErrRedialTimeout is returned by [Platform.Redial] when the caller did not
// come back within the redial timeout.
var ErrRedialTimeout = errors.New("websocket: caller did not reconnect")

// Option configures a [Platform].
type Option func(*Platform)

// WithPath sets the HTTP path calls are accepted on. Defaults to "/call".
func WithPath(path string) Option {
	return func(p *Platform) { p.path = path }
}

// WithSampleRate sets the rate assumed when a hello omits it. Defaults to
// 16000.
func WithSampleRate(rate int) Option {
	return func(p *Platform) { p.sampleRate = rate }
}

// WithHelloTimeout bounds the wait for a client's hello.
func WithHelloTimeout(d time.Duration) Option {
	return func(p *Platform) { p.helloTimeout = d }
}

// WithRedialWindow sets how long after a drop the caller may reconnect.
func WithRedialWindow(d time.Duration) Option {
	return func(p *Platform) { p.redialWindow = d }
}

// WithRedialTimeout bounds a single [Platform.Redial] wait.
func WithRedialTimeout(d time.Duration) Option {
	return func(p *Platform) { p.redialTimeout = d }
}

// WithOriginPatterns allows cross-origin clients whose host matches one of
// the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(p *Platform) { p.originPatterns = patterns }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// Platform accepts WebSocket calls. It is an [http.Handler]; mount it on a
// server or call [Platform.Start] to listen on its own.
//
// Platform is safe for concurrent use.
type Platform struct {
	path           string
	sampleRate     int
	helloTimeout   time.Duration
	redialWindow   time.Duration
	redialTimeout  time.Duration
	originPatterns []string
	logger         *slog.Logger

	queue chan *Connection
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	server  *http.Server
	dropped map[string]time.Time
	parked  map[string]*Connection
	waiters map[string]chan *Connection
}

// New creates a Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		path:          DefaultPath,
		sampleRate:    DefaultSampleRate,
		helloTimeout:  DefaultHelloTimeout,
		redialWindow:  DefaultRedialWindow,
		redialTimeout: DefaultRedialTimeout,
		logger:        slog.Default(),
		queue:         make(chan *Connection, acceptQueue),
		done:          make(chan struct{}),
		dropped:       make(map[string]time.Time),
		parked:        make(map[string]*Connection),
		waiters:       make(map[string]chan *Connection),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start listens on addr and serves the platform's path until [Platform.Close].
func (p *Platform) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+p.path, p)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	p.mu.Lock()
	p.server = srv
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("websocket server error", "err", err)
		}
	}()
	p.logger.Info("accepting websocket calls", "addr", ln.Addr().String(), "path", p.path)
	return nil
}

// ServeHTTP upgrades the request, reads the hello and hands the call to
// Accept or a waiting Redial. It returns once the call ends.
func (p *Platform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: p.originPatterns})
	if err != nil {
		p.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	h, err := p.readHello(r.Context(), ws)
	if err != nil {
		p.logger.Warn("rejecting websocket call", "remote", r.RemoteAddr, "err", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "invalid hello")
		return
	}

	c := newConnection(ws, h, p)
	if err := c.writeJSON(r.Context(), message{Type: typeReady, CallerID: h.CallerID}); err != nil {
		c.abort()
		return
	}
	if !p.route(c) {
		_ = ws.Close(websocket.StatusTryAgainLater, "busy")
		c.abort()
		return
	}
	c.run()
}

func (p *Platform) readHello(ctx context.Context, ws *websocket.Conn) (hello, error) {
	ctx, cancel := context.WithTimeout(ctx, p.helloTimeout)
	defer cancel()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		return hello{}, fmt.Errorf("read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return hello{}, errors.New("first message must be a text hello")
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if m.Type != typeHello {
		return hello{}, fmt.Errorf("first message has type %q, want %q", m.Type, typeHello)
	}

	h := hello{CallerID: m.CallerID, Format: audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}}
	if h.CallerID == "" {
		h.CallerID = uuid.NewString()
	}
	if h.SampleRate == 0 {
		h.SampleRate = p.sampleRate
	}
	if h.Channels == 0 {
		h.Channels = 1
	}
	if h.SampleRate < 8000 || h.SampleRate > 48000 {
		return hello{}, fmt.Errorf("sample rate %d out of range [8000, 48000]", h.SampleRate)
	}
	if h.Channels != 1 && h.Channels != 2 {
		return hello{}, fmt.Errorf("channels must be 1 or 2, got %d", h.Channels)
	}
	return h, nil
}

// route hands c to a waiting Redial, parks it for an upcoming one, or
// queues it for Accept. It reports false when the call cannot be taken.
func (p *Platform) route(c *Connection) bool {
	id := c.id
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if w, ok := p.waiters[id]; ok {
		delete(p.waiters, id)
		delete(p.dropped, id)
		p.mu.Unlock()
		w <- c
		p.logger.Info("caller reconnected", "caller", id)
		return true
	}
	if at, ok := p.dropped[id]; ok && time.Since(at) < p.redialWindow {
		delete(p.dropped, id)
		prev := p.parked[id]
		p.parked[id] = c
		p.mu.Unlock()
		if prev != nil {
			_ = prev.Close()
		}
		time.AfterFunc(p.redialWindow, func() { p.expire(c) })
		p.logger.Info("caller reconnected before redial", "caller", id)
		return true
	}
	p.mu.Unlock()

	select {
	case p.queue <- c:
		return true
	default:
		p.logger.Warn("accept queue full, rejecting call", "caller", id)
		return false
	}
}

// expire closes a parked connection nobody claimed.
func (p *Platform) expire(c *Connection) {
	p.mu.Lock()
	if p.parked[c.id] != c {
		p.mu.Unlock()
		return
	}
	delete(p.parked, c.id)
	p.mu.Unlock()
	_ = c.Close()
}

// markDropped records that id's connection ended without a normal close.
func (p *Platform) markDropped(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.dropped[id] = time.Now()
	}
}

// Accept implements [audio.Platform].
func (p *Platform) Accept(ctx context.Context) (audio.Connection, error) {
	select {
	case c := <-p.queue:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, audio.ErrClosed
	}
}

// Redial implements [audio.Redialer]. It waits up to the redial timeout for
// the caller to reconnect with the same id, and returns [audio.ErrHungUp]
// when the caller ended the call or the redial window has passed.
func (p *Platform) Redial(ctx context.Context, id string) (audio.Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, audio.ErrClosed
	}
	if c, ok := p.parked[id]; ok {
		delete(p.parked, id)
		p.mu.Unlock()
		return c, nil
	}
	at, ok := p.dropped[id]
	if !ok || time.Since(at) >= p.redialWindow {
		delete(p.dropped, id)
		p.mu.Unlock()
		return nil, audio.ErrHungUp
	}
	w := make(chan *Connection, 1)
	p.waiters[id] = w
	p.mu.Unlock()

	t := time.NewTimer(p.redialTimeout)
	defer t.Stop()
	select {
	case c := <-w:
		return c, nil
	case <-ctx.Done():
	case <-t.C:
	case <-p.done:
	}

	p.mu.Lock()
	if p.waiters[id] == w {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	select {
	case c := <-w:
		return c, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrRedialTimeout
}

// Close stops accepting calls and closes the listener started by
// [Platform.Start]. Calls not yet accepted are closed; calls already handed
// out are left to their owners.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	srv := p.server
	parked := p.parked
	p.parked = make(map[string]*Connection)
	p.mu.Unlock()

	for _, c := range parked {
		_ = c.Close()
	}
	for {
		select {
		case c := <-p.queue:
			_ = c.Close()
			continue
		default:
		}
		break
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}
