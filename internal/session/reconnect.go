package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/pkg/audio"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrRedialFailed is returned by [Reconnector.Run] when every redial attempt
// failed.
var ErrRedialFailed = errors.New("session: redial failed")

var errNoConnection = errors.New("session: redial returned no connection")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Redialer re-establishes a dropped call. Nil disables reconnection and
	// the first transport fault ends the call.
	Redialer audio.Redialer

	// MaxRetries is the maximum number of redial attempts per drop.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after the session is bound to a redialled
	// connection. May be nil.
	OnReconnect func(audio.Connection)

	Logger *slog.Logger
}

// Reconnector runs a [Session] and redials its connection with
// exponential backoff whenever the session ends on a transport fault.
// Every other outcome ends Run.
type Reconnector struct {
	session     *Session
	redialer    audio.Redialer
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(audio.Connection)
	logger      *slog.Logger
}

// NewReconnector creates a [Reconnector] for s.
func NewReconnector(s *Session, cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = s.logger
	}
	return &Reconnector{
		session:     s,
		redialer:    cfg.Redialer,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		logger:      logger,
	}
}

// Run runs the session until ctx is cancelled or the caller hangs up
// (returns nil), the session fails with anything other than a transport
// fault, or redialling gives up.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		err := r.session.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, fault.ErrTransport) {
			return err
		}
		if r.redialer == nil {
			return err
		}

		conn, rerr := r.redial(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(rerr, audio.ErrHungUp) {
				r.logger.Info("caller hung up", "caller", r.session.Conn().ID())
				return nil
			}
			return errors.Join(err, rerr)
		}
		old, aerr := r.session.Attach(conn)
		if aerr != nil {
			_ = conn.Close()
			return aerr
		}
		if old != nil {
			_ = old.Close()
		}
		if r.onReconnect != nil {
			r.onReconnect(conn)
		}
	}
}

// redial tries to re-establish the call with exponential backoff.
func (r *Reconnector) redial(ctx context.Context) (audio.Connection, error) {
	id := r.session.Conn().ID()
	wait := r.backoff
	var last error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		r.logger.Info("attempting reconnection",
			"caller", id,
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		conn, err := r.redialer.Redial(ctx, id)
		if err == nil && conn == nil {
			err = errNoConnection
		}
		if err == nil {
			r.logger.Info("reconnection successful", "caller", id, "attempt", attempt)
			return conn, nil
		}
		if errors.Is(err, audio.ErrHungUp) {
			return nil, err
		}
		last = err
		r.logger.Warn("reconnection attempt failed",
			"caller", id,
			"attempt", attempt,
			"backoff", wait,
			"err", err,
		)
		if attempt == r.maxRetries {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, r.maxBackoff)
	}

	r.logger.Error("reconnection failed after max retries", "caller", id, "max_retries", r.maxRetries)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRedialFailed, r.maxRetries, last)
}
