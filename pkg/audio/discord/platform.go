// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with voxline's PCM [audio.AudioFrame]
// pipeline.
//
// Every configured voice channel is one call: [Platform.Accept] joins the
// channels in order and returns a [Connection] per channel. A channel whose
// voice connection drops is rejoined through [Platform.Redial].
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxline/pkg/audio"
)

var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Redialer = (*Platform)(nil)
)

// Option configures a [Platform].
type Option func(*Platform)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session  *discordgo.Session
	guildID  string
	channels []string
	logger   *slog.Logger

	// join connects to a voice channel. Defaults to ChannelVoiceJoin on
	// session; replaced in tests.
	join func(channelID string) (*discordgo.VoiceConnection, error)

	// leave disconnects a voice connection. Defaults to vc.Disconnect.
	leave func(vc *discordgo.VoiceConnection) error

	// ownsSession is set by [Open]; Close then closes the session too.
	ownsSession bool

	mu     sync.Mutex
	next   int
	closed bool
	done   chan struct{}
}

// New creates a Platform on an already open session. The caller keeps
// ownership of session.
func New(session *discordgo.Session, guildID string, channels []string, opts ...Option) *Platform {
	p := &Platform{
		session:  session,
		guildID:  guildID,
		channels: channels,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	p.join = func(channelID string) (*discordgo.VoiceConnection, error) {
		// mute=false (we send audio), deaf=false (we receive audio).
		return p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	}
	p.leave = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open logs in with a bot token and returns a Platform that owns the
// session.
func Open(token, guildID string, channels []string, opts ...Option) (*Platform, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	if len(channels) == 0 {
		return nil, errors.New("discord: at least one voice channel is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	p := New(s, guildID, channels, opts...)
	p.ownsSession = true
	return p, nil
}

// Accept joins the next configured channel. Once every channel is joined it
// blocks until ctx is cancelled or the platform is closed.
func (p *Platform) Accept(ctx context.Context) (audio.Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, audio.ErrClosed
	}
	if p.next < len(p.channels) {
		channelID := p.channels[p.next]
		p.next++
		p.mu.Unlock()
		return p.connect(channelID)
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, audio.ErrClosed
	}
}

// Redial implements [audio.Redialer] by rejoining the voice channel id.
func (p *Platform) Redial(ctx context.Context, id string) (audio.Connection, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, audio.ErrClosed
	}
	if !slices.Contains(p.channels, id) {
		return nil, audio.ErrHungUp
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.connect(id)
}

func (p *Platform) connect(channelID string) (audio.Connection, error) {
	vc, err := p.join(channelID)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	c := newConnection(vc, channelID, p.logger)
	c.disconnectVC = func() error { return p.leave(vc) }
	if p.session != nil {
		c.removeHandler = p.session.AddHandler(c.voiceStateHandler(p.guildID, p.botUserID()))
	}
	c.start()
	p.logger.Info("joined voice channel", "guild", p.guildID, "channel", channelID)
	return c, nil
}

func (p *Platform) botUserID() string {
	if p.session == nil || p.session.State == nil || p.session.State.User == nil {
		return ""
	}
	return p.session.State.User.ID
}

// Close stops Accept and Redial. A session opened by [Open] is closed too.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	if p.ownsSession {
		return p.session.Close()
	}
	return nil
}
