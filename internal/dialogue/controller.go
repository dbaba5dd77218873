// Package dialogue drives the conversation of one call.
//
// The [Controller] is an actor: a single goroutine owns the session state
// and the active turn, and everything else talks to it through an unbounded
// inbox. Ingest delivers speech edges and utterances via [Controller.Deliver];
// recognition, reasoning and playback run in per-turn goroutines that post
// their results back tagged with the turn id. A result for any turn other
// than the active one is dropped, so an interrupted turn can never leak
// text or audio into the next.
//
// A turn moves Listening → Recognizing → AwaitingReply → Speaking →
// Listening. When the caller starts speaking during a turn the turn is
// cancelled and fully torn down before the controller listens again
// (barge-in), unless interruptions are disabled, in which case the new
// utterance waits for the current turn to end.
package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/reasoning"
	"github.com/MrWong99/voxline/internal/recognize"
	"github.com/MrWong99/voxline/internal/segment"
	"github.com/MrWong99/voxline/internal/synth"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/types"
)

// Defaults.
const (
	DefaultReplyTimeout  = 10 * time.Second
	DefaultHistoryTurns  = 10
	DefaultFallbackReply = "Sorry, I can't answer that right now. Could you say it again?"
)

// ErrAlreadyRunning is returned by Run when the controller is already running.
var ErrAlreadyRunning = errors.New("dialogue: controller already running")

// Recognizer starts the transcription of an utterance. The returned channel
// must deliver exactly one result, and must do so promptly once ctx is
// cancelled. [recognize.Adapter] implements it.
type Recognizer interface {
	Start(ctx context.Context, turnID uint64, utt *segment.Utterance) <-chan recognize.Result
}

// Synthesizer starts synthesizing a reply. [synth.Adapter] implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, turnID uint64, text string) *synth.Stream
}

var (
	_ Recognizer        = (*recognize.Adapter)(nil)
	_ Synthesizer       = (*synth.Adapter)(nil)
	_ segment.Deliverer = (*Controller)(nil)
)

// Option configures a Controller.
type Option func(*Controller)

// WithReplyTimeout bounds every reasoning call. Default 10s.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.replyTimeout = d
		}
	}
}

// WithFallbackReply sets the text spoken when the reasoning service fails.
func WithFallbackReply(text string) Option {
	return func(c *Controller) { c.fallback = text }
}

// WithInterruptions enables or disables barge-in. Enabled by default.
func WithInterruptions(allow bool) Option {
	return func(c *Controller) { c.allowInterruptions = allow }
}

// WithHistoryTurns sets how many completed exchanges are handed to the
// reasoning service as context. Zero disables history. Default 10.
func WithHistoryTurns(n int) Option {
	return func(c *Controller) { c.history.turns = max(n, 0) }
}

// WithEvents sets the publisher for session events.
func WithEvents(p eventbus.Publisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithMetrics records response latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller owns the dialogue state of one call.
type Controller struct {
	recognizer Recognizer
	synth      Synthesizer
	service    reasoning.Service
	sink       audio.Sink

	replyTimeout       time.Duration
	fallback           string
	allowInterruptions bool
	events             eventbus.Publisher
	metrics            *observe.Metrics
	log                *slog.Logger

	inbox   *inbox
	state   atomic.Int32
	current atomic.Uint64
	running atomic.Bool

	// Owned by the Run goroutine.
	ctx     context.Context
	turn    *turn
	nextID  uint64
	pending []*segment.Utterance
	history history
}

// New returns a Controller. Reply audio is written to sink.
func New(rec Recognizer, syn Synthesizer, svc reasoning.Service, sink audio.Sink, opts ...Option) *Controller {
	c := &Controller{
		recognizer:         rec,
		synth:              syn,
		service:            svc,
		replyTimeout:       DefaultReplyTimeout,
		fallback:           DefaultFallbackReply,
		allowInterruptions: true,
		events:             eventbus.Discard,
		log:                slog.Default(),
		inbox:              newInbox(),
		history:            history{turns: DefaultHistoryTurns},
	}
	for _, o := range opts {
		o(c)
	}
	c.sink = &currentTurnSink{next: sink, current: &c.current}
	return c
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// TurnID returns the id of the active turn, or 0 when none is active.
func (c *Controller) TurnID() uint64 { return c.current.Load() }

// Deliver queues a signal from ingest. It never blocks.
func (c *Controller) Deliver(s segment.Signal) { c.inbox.put(s) }

// turn is one utterance-to-reply cycle.
type turn struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stream  *synth.Stream
	started time.Time
	heard   string
	reply   Reply
}

// Inbox messages posted by turn goroutines.
type (
	recognized struct {
		turnID uint64
		res    recognize.Result
	}
	replied struct {
		turnID uint64
		reply  Reply
		err    error
	}
	speaking struct {
		turnID uint64
	}
	played struct {
		turnID  uint64
		err     error
		sinkErr error
	}
)

// Run processes the inbox until ctx is cancelled (returns nil) or writing
// reply audio fails (returns a transport fault). The active turn is torn
// down before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.ctx = ctx
	c.transition(Listening)
	defer func() {
		c.abandon()
		c.pending = nil
		c.transition(Idle)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		for _, m := range c.inbox.take() {
			if err := c.handle(m); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.inbox.notify:
		}
	}
}

func (c *Controller) handle(m any) error {
	switch m := m.(type) {
	case segment.Signal:
		c.onSignal(m)
	case recognized:
		if c.isCurrent(m.turnID) {
			c.onRecognized(m.res)
		}
	case replied:
		if c.isCurrent(m.turnID) {
			c.onReplied(m.reply, m.err)
		}
	case speaking:
		if c.isCurrent(m.turnID) {
			c.onSpeaking()
		}
	case played:
		if c.isCurrent(m.turnID) {
			return c.onPlayed(m.err, m.sinkErr)
		}
	}
	return nil
}

func (c *Controller) isCurrent(id uint64) bool {
	if c.turn == nil || c.turn.id != id {
		c.log.Debug("dialogue: dropped stale result", "turn_id", id)
		return false
	}
	return true
}

func (c *Controller) onSignal(s segment.Signal) {
	switch s.Kind {
	case segment.SignalSpeechStarted:
		if c.turn == nil {
			return
		}
		if !c.allowInterruptions {
			c.log.Debug("dialogue: speech during turn, interruptions disabled", "turn_id", c.turn.id)
			return
		}
		c.interrupt()
	case segment.SignalUtterance:
		if s.Utterance == nil {
			return
		}
		if c.turn != nil {
			c.pending = append(c.pending, s.Utterance)
			return
		}
		c.startTurn(s.Utterance)
	}
}

func (c *Controller) startTurn(utt *segment.Utterance) {
	c.nextID++
	ctx, cancel := context.WithCancel(c.ctx)
	t := &turn{id: c.nextID, ctx: ctx, cancel: cancel, started: time.Now()}
	c.turn = t
	c.current.Store(t.id)
	c.transition(Recognizing)

	results := c.recognizer.Start(ctx, t.id, utt)
	// Waiting on results even after cancel keeps the engine call inside
	// the turn: abandon returns only once it has finished.
	t.wg.Go(func() {
		res := <-results
		if ctx.Err() != nil {
			return
		}
		c.inbox.put(recognized{turnID: t.id, res: res})
	})
}

func (c *Controller) onRecognized(res recognize.Result) {
	t := c.turn
	if res.Err != nil {
		c.publishFault(fault.ErrEngine, "recognizer", t.id, res.Err)
		c.endTurn()
		return
	}

	tr := res.Transcript
	t.heard = tr.Text
	c.transition(AwaitingReply)
	if tr.Text == "" {
		c.publish(eventbus.Event{Type: eventbus.TranscriptEmpty, TurnID: t.id, Duration: tr.Duration})
		c.endTurn()
		return
	}
	c.publish(eventbus.Event{Type: eventbus.TranscriptReady, TurnID: t.id, Text: tr.Text, Duration: tr.Duration})

	req := reasoning.Request{
		TurnID:     t.id,
		History:    c.history.messages(),
		Transcript: tr.Text,
	}
	t.wg.Go(func() {
		c.inbox.put(c.reply(t.ctx, req))
	})
}

// reply runs the reasoning call for one turn. Failure and timeout yield the
// fallback reply together with the error.
func (c *Controller) reply(ctx context.Context, req reasoning.Request) replied {
	ctx, cancel := context.WithTimeout(ctx, c.replyTimeout)
	defer cancel()

	resp, err := c.service.Reply(ctx, req)
	if err != nil {
		return replied{
			turnID: req.TurnID,
			reply:  Reply{TurnID: req.TurnID, Text: c.fallback, Fallback: true},
			err:    err,
		}
	}
	return replied{
		turnID: req.TurnID,
		reply: Reply{
			TurnID:      req.TurnID,
			Text:        strings.TrimSpace(resp.Text),
			ToolResults: resp.ToolResults,
		},
	}
}

func (c *Controller) onReplied(r Reply, err error) {
	t := c.turn
	t.reply = r
	if err != nil {
		c.publishFault(fault.ErrReasoning, "reasoning", t.id, err)
	}
	c.publish(eventbus.Event{Type: eventbus.ReplyReady, TurnID: t.id, Text: r.Text})
	if r.Text == "" {
		c.complete()
		return
	}

	stream := c.synth.Synthesize(t.ctx, t.id, r.Text)
	t.stream = stream
	t.wg.Go(func() { c.play(t, stream) })
}

// play forwards the chunks of stream to the sink.
func (c *Controller) play(t *turn, stream *synth.Stream) {
	first := true
	for chunk := range stream.Chunks() {
		if first {
			first = false
			c.inbox.put(speaking{turnID: t.id})
		}
		if err := c.sink.Write(t.ctx, chunk); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			c.inbox.put(played{turnID: t.id, sinkErr: err})
			return
		}
	}
	c.inbox.put(played{turnID: t.id, err: stream.Err()})
}

func (c *Controller) onSpeaking() {
	if c.metrics != nil {
		c.metrics.ResponseDuration.Record(c.turn.ctx, time.Since(c.turn.started).Seconds())
	}
	c.transition(Speaking)
}

func (c *Controller) onPlayed(err, sinkErr error) error {
	t := c.turn
	if sinkErr != nil {
		c.publishFault(fault.ErrTransport, "transport", t.id, sinkErr)
		return fault.New(fault.ErrTransport, "transport", t.id, sinkErr)
	}
	if err != nil {
		c.publishFault(fault.ErrEngine, "synthesizer", t.id, err)
		c.endTurn()
		return nil
	}
	c.complete()
	return nil
}

// complete ends the active turn successfully.
func (c *Controller) complete() {
	t := c.turn
	if !t.reply.Fallback && t.reply.Text != "" {
		c.history.add(t.heard, t.reply.Text)
	}
	c.publish(eventbus.Event{
		Type:     eventbus.TurnCompleted,
		TurnID:   t.id,
		Text:     t.reply.Text,
		Duration: time.Since(t.started),
	})
	c.endTurn()
}

// endTurn tears down the active turn, returns to Listening and starts the
// next queued utterance, if any.
func (c *Controller) endTurn() {
	c.abandon()
	c.transition(Listening)
	if len(c.pending) > 0 {
		utt := c.pending[0]
		c.pending = c.pending[1:]
		c.startTurn(utt)
	}
}

// interrupt cancels the active turn on barge-in. Queued utterances are
// dropped: the caller is starting over.
func (c *Controller) interrupt() {
	id := c.turn.id
	c.abandon()
	c.pending = nil
	c.publish(eventbus.Event{Type: eventbus.TurnInterrupted, TurnID: id})
	c.transition(Listening)
}

// abandon cancels the active turn and waits for every goroutine it spawned.
// No chunk of the turn reaches the sink after abandon returns.
func (c *Controller) abandon() {
	t := c.turn
	if t == nil {
		return
	}
	c.turn = nil
	c.current.Store(0)
	t.cancel()
	if t.stream != nil {
		t.stream.Cancel()
	}
	t.wg.Wait()
}

func (c *Controller) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.publish(eventbus.Event{
		Type:   eventbus.StateChanged,
		TurnID: c.current.Load(),
		From:   from.String(),
		To:     to.String(),
	})
}

func (c *Controller) publish(ev eventbus.Event) {
	c.events.Publish(ev)
}

func (c *Controller) publishFault(kind error, component string, turnID uint64, err error) {
	c.publish(eventbus.Event{
		Type:      eventbus.Fault,
		TurnID:    turnID,
		Component: component,
		Err:       err,
		Fault:     kind,
	})
}

// currentTurnSink drops chunks that do not belong to the active turn.
type currentTurnSink struct {
	next    audio.Sink
	current *atomic.Uint64
}

func (s *currentTurnSink) Write(ctx context.Context, chunk types.SynthesisChunk) error {
	if chunk.TurnID != s.current.Load() {
		return nil
	}
	return s.next.Write(ctx, chunk)
}
