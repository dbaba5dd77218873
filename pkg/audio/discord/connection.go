package discord

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/types"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer = 64

	// floorTimeout is how long the current speaker keeps the input after
	// their last packet before another speaker can take it.
	floorTimeout = time.Second
)

// discordFormat is the PCM format of Discord voice.
var discordFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming Opus is decoded per SSRC and one
// speaker at a time feeds the input stream; reply audio is encoded to Opus.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	channelID string
	logger    *slog.Logger
	started   time.Time

	input chan audio.AudioFrame

	// floor is the SSRC currently feeding input.
	floor   uint32
	floorAt time.Time

	sendMu   sync.Mutex
	enc      *opusEncoder
	pending  []byte
	speaking bool

	dropped atomic.Uint64

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once

	removeHandler func()

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

func newConnection(vc *discordgo.VoiceConnection, channelID string, logger *slog.Logger) *Connection {
	return &Connection{
		vc:           vc,
		channelID:    channelID,
		logger:       logger.With("channel", channelID),
		started:      time.Now(),
		input:        make(chan audio.AudioFrame, inputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
}

// start launches the receive loop.
func (c *Connection) start() {
	go c.recvLoop()
}

// ID returns the voice channel id.
func (c *Connection) ID() string { return c.channelID }

// Input implements [audio.Connection]. Frames are 48 kHz stereo.
func (c *Connection) Input() <-chan audio.AudioFrame { return c.input }

// Output implements [audio.Connection].
func (c *Connection) Output() audio.Sink { return audio.SinkFunc(c.write) }

// DroppedFrames returns how many decoded frames were dropped on a full
// input buffer.
func (c *Connection) DroppedFrames() uint64 { return c.dropped.Load() }

// Close leaves the voice channel and closes the input stream. It is safe to
// call more than once; subsequent calls return nil.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.drop()
		c.sendMu.Lock()
		if c.speaking {
			c.setSpeaking(false)
		}
		c.sendMu.Unlock()
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// drop ends the input without leaving the channel, so the session sees a
// transport fault and redials.
func (c *Connection) drop() {
	c.doneOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
	})
}

// recvLoop reads Opus packets, keeps the current speaker's, decodes them to
// PCM and delivers frames to the input stream.
func (c *Connection) recvLoop() {
	defer close(c.input)

	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				c.logger.Warn("discord voice receive closed")
				return
			}
			if pkt == nil || !c.takeFloor(pkt.SSRC, time.Now()) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					c.logger.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				c.logger.Warn("discord: opus decode error", "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10), "error", err)
				continue
			}

			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Since(c.started),
			}
			select {
			case c.input <- frame:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

// takeFloor reports whether a packet from ssrc at now feeds the input.
// Only called from recvLoop.
func (c *Connection) takeFloor(ssrc uint32, now time.Time) bool {
	if c.floor != ssrc {
		if c.floor != 0 && now.Sub(c.floorAt) < floorTimeout {
			return false
		}
		c.floor = ssrc
	}
	c.floorAt = now
	return true
}

// write converts chunk to Discord's format (48 kHz stereo), cuts it into
// exact Opus frames and sends them. A partial frame is carried to the next
// chunk; a cancelled write discards it.
func (c *Connection) write(ctx context.Context, chunk types.SynthesisChunk) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}
	if c.enc == nil {
		enc, err := newOpusEncoder()
		if err != nil {
			return err
		}
		c.enc = enc
	}
	if !c.speaking {
		c.setSpeaking(true)
		c.speaking = true
	}

	from := audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}
	if from.SampleRate <= 0 || from.Channels <= 0 {
		from = discordFormat
	}
	c.pending = append(c.pending, audio.Convert(chunk.Data, from, discordFormat)...)

	for len(c.pending) >= opusFrameBytes {
		opus, err := c.enc.encode(c.pending[:opusFrameBytes])
		c.pending = c.pending[opusFrameBytes:]
		if err != nil {
			return err
		}
		select {
		case c.vc.OpusSend <- opus:
		case <-ctx.Done():
			c.pending = c.pending[:0]
			return ctx.Err()
		case <-c.done:
			return audio.ErrClosed
		}
	}
	return nil
}

// voiceStateHandler drops the connection when the bot is moved out of or
// disconnected from its channel.
func (c *Connection) voiceStateHandler(guildID, botUserID string) func(*discordgo.Session, *discordgo.VoiceStateUpdate) {
	return func(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		if vsu.GuildID != guildID || botUserID == "" || vsu.UserID != botUserID {
			return
		}
		if vsu.ChannelID != c.channelID {
			c.logger.Warn("bot left voice channel", "now", vsu.ChannelID)
			c.drop()
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		c.logger.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}
