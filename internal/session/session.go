// Package session runs one call: the ingest path (VAD gate and segmenter)
// and the dialogue controller, bound to a transport connection that can be
// swapped when the call is redialled.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/reasoning"
	"github.com/MrWong99/voxline/internal/segment"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/types"
)

// PipelineFormat is the format caller audio is converted to before it
// reaches the VAD engine and the recognizer.
var PipelineFormat = audio.Format{SampleRate: 16000, Channels: 1}

// DefaultFrameSizeMs is the VAD frame size used when none is configured.
const DefaultFrameSizeMs = 20

// ErrAlreadyRunning is returned by Run while the session is running.
var ErrAlreadyRunning = errors.New("session: already running")

// ErrClosed is returned by Run and Attach after Close.
var ErrClosed = errors.New("session: closed")

// Config holds the collaborators of a session.
type Config struct {
	// VAD creates the per-call voice activity session. Required.
	VAD vad.Engine

	// VADConfig is passed to VAD. SampleRate defaults to the pipeline rate
	// and FrameSizeMs to [DefaultFrameSizeMs].
	VADConfig vad.Config

	// MinSilence is the trailing silence that ends speech. Zero keeps the
	// gate default.
	MinSilence time.Duration

	Segmenter segment.Config

	// Recognizer, Synthesizer and Reasoning are required.
	Recognizer  dialogue.Recognizer
	Synthesizer dialogue.Synthesizer
	Reasoning   reasoning.Service

	// Dialogue holds extra controller options. The session installs its own
	// event publisher and logger.
	Dialogue []dialogue.Option

	// Events receives every session event stamped with the session id. Nil
	// discards them.
	Events eventbus.Publisher

	Logger *slog.Logger
}

// Session is one call.
type Session struct {
	id     string
	vad    vad.SessionHandle
	gate   *segment.Gate
	seg    *segment.Segmenter
	ctrl   *dialogue.Controller
	events eventbus.Publisher
	logger *slog.Logger

	notifyCtx    context.Context
	notifyCancel context.CancelFunc

	mu      sync.Mutex
	conn    audio.Connection
	closed  bool
	running atomic.Bool
}

// New creates a session bound to conn.
func New(conn audio.Connection, cfg Config) (*Session, error) {
	switch {
	case conn == nil:
		return nil, errors.New("session: connection is required")
	case cfg.VAD == nil:
		return nil, errors.New("session: VAD engine is required")
	case cfg.Recognizer == nil || cfg.Synthesizer == nil || cfg.Reasoning == nil:
		return nil, errors.New("session: recognizer, synthesizer and reasoning service are required")
	}

	vcfg := cfg.VADConfig
	if vcfg.SampleRate == 0 {
		vcfg.SampleRate = PipelineFormat.SampleRate
	}
	if vcfg.FrameSizeMs == 0 {
		vcfg.FrameSizeMs = DefaultFrameSizeMs
	}
	handle, err := cfg.VAD.NewSession(vcfg)
	if err != nil {
		return nil, fmt.Errorf("session: create VAD session: %w", err)
	}

	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id, "caller", conn.ID())
	logger.Debug("vad session ready",
		"sample_rate", vcfg.SampleRate,
		"frame_ms", vcfg.FrameSizeMs,
		"frame_bytes", vcfg.FrameBytes(),
	)

	s := &Session{
		id:     id,
		vad:    handle,
		seg:    segment.NewSegmenter(cfg.Segmenter),
		logger: logger,
		conn:   conn,
	}
	s.notifyCtx, s.notifyCancel = context.WithCancel(context.Background())

	base := cfg.Events
	if base == nil {
		base = eventbus.Discard
	}
	s.events = eventbus.WithSession(eventbus.Tee(base, eventbus.NotifyPublisher(s.notifyCtx, s.notifier)), id)

	gateOpts := []segment.GateOption{
		segment.WithFaultHook(eventbus.FaultHook(s.events)),
		segment.WithGateLogger(logger),
	}
	if cfg.MinSilence > 0 {
		gateOpts = append(gateOpts, segment.WithMinSilence(cfg.MinSilence))
	}
	s.gate = segment.NewGate(handle, gateOpts...)

	opts := append([]dialogue.Option(nil), cfg.Dialogue...)
	opts = append(opts, dialogue.WithEvents(s.events), dialogue.WithLogger(logger))
	s.ctrl = dialogue.New(cfg.Recognizer, cfg.Synthesizer, cfg.Reasoning, audio.SinkFunc(s.write), opts...)
	return s, nil
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// State returns the dialogue state.
func (s *Session) State() dialogue.State { return s.ctrl.State() }

// TurnID returns the active turn id, or 0 between turns.
func (s *Session) TurnID() uint64 { return s.ctrl.TurnID() }

// Events returns the session-stamped publisher.
func (s *Session) Events() eventbus.Publisher { return s.events }

// Conn returns the connection the session is currently bound to.
func (s *Session) Conn() audio.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Run runs ingest and the controller until ctx is cancelled (returns nil)
// or either side fails. A transport fault means the connection is gone; the
// session can be re-run after [Session.Attach].
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	in := &segment.Ingest{
		Input:     conn.Input(),
		Gate:      s.gate,
		Segmenter: s.seg,
		Out:       s.ctrl,
		Format:    PipelineFormat,
		Events:    s.events,
		Logger:    s.logger,
	}

	s.logger.Info("session running")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return in.Run(gctx) })
	g.Go(func() error { return s.ctrl.Run(gctx) })
	err := g.Wait()
	s.logger.Info("session stopped", "err", err)
	return err
}

// Attach binds the session to a new connection and clears the ingest
// state. It returns the previous connection, which the caller closes. The
// turn counter and dialogue history carry over. Attach must not be called
// while Run is active.
func (s *Session) Attach(conn audio.Connection) (audio.Connection, error) {
	if s.running.Load() {
		return nil, ErrAlreadyRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	old := s.conn
	s.conn = conn
	s.gate.Reset()
	s.seg.Reset()
	s.logger.Info("session attached to new connection", "caller", conn.ID())
	return old, nil
}

// Close releases the VAD session and closes the current connection. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.notifyCancel()
	return errors.Join(conn.Close(), s.vad.Close())
}

func (s *Session) write(ctx context.Context, chunk types.SynthesisChunk) error {
	return s.Conn().Output().Write(ctx, chunk)
}

func (s *Session) notifier() audio.Notifier {
	n, _ := s.Conn().(audio.Notifier)
	return n
}
