package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/pkg/audio"
	audiomock "github.com/MrWong99/voxline/pkg/audio/mock"
)

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	s, err := New(audiomock.NewConnection("c", 1), newFixture().config())
	if err != nil {
		t.Fatal(err)
	}
	r := NewReconnector(s, ReconnectorConfig{})

	if r.maxRetries != 10 {
		t.Errorf("want default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != time.Second {
		t.Errorf("want default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("want default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_RedialsOnTransportFault(t *testing.T) {
	t.Parallel()

	f := newFixture()
	first := audiomock.NewConnection("caller-1", 1)
	second := audiomock.NewConnection("caller-1", 256)
	platform := audiomock.NewPlatform()
	platform.RedialConn = second

	s, err := New(first, f.config())
	if err != nil {
		t.Fatal(err)
	}
	reconnected := make(chan audio.Connection, 1)
	r := NewReconnector(s, ReconnectorConfig{
		Redialer:    platform,
		Backoff:     time.Millisecond,
		OnReconnect: func(c audio.Connection) { reconnected <- c },
	})
	cancel, done := start(t, r.Run)

	eventually(t, func() bool { return s.State() == dialogue.Listening })
	first.Close()

	select {
	case c := <-reconnected:
		if c != second {
			t.Error("want the redialled connection passed to OnReconnect")
		}
	case <-time.After(waitFor):
		t.Fatal("want a reconnection")
	}
	if calls := platform.RedialCalls(); len(calls) != 1 || calls[0] != "caller-1" {
		t.Errorf("want one redial for caller-1, got %v", calls)
	}
	if s.Conn() != second {
		t.Error("want the session bound to the redialled connection")
	}

	eventually(t, func() bool { return s.State() == dialogue.Listening })
	second.Feed(speech(800 * time.Millisecond)...)
	eventually(t, func() bool { return len(f.events.ofType(eventbus.TurnCompleted)) == 1 })
	if got := f.events.ofType(eventbus.TurnCompleted)[0]; got.SessionID != s.ID() {
		t.Errorf("want the turn on session %s, got %q", s.ID(), got.SessionID)
	}
	if got := len(second.Sink.Chunks()); got != 2 {
		t.Errorf("want 2 chunks on the redialled connection, got %d", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("want nil on cancel, got %v", err)
	}
}

func TestReconnector_GivesUp(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("caller-1", 1)
	platform := audiomock.NewPlatform()
	platform.RedialErr = errors.New("caller hung up")

	s, err := New(conn, newFixture().config())
	if err != nil {
		t.Fatal(err)
	}
	r := NewReconnector(s, ReconnectorConfig{
		Redialer:   platform,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})
	conn.Close()

	err = r.Run(context.Background())
	if !errors.Is(err, ErrRedialFailed) {
		t.Errorf("want ErrRedialFailed, got %v", err)
	}
	if !errors.Is(err, fault.ErrTransport) {
		t.Errorf("want the transport fault kept in the chain, got %v", err)
	}
	if got := len(platform.RedialCalls()); got != 3 {
		t.Errorf("want 3 redial attempts, got %d", got)
	}
}

func TestReconnector_HungUpEndsCleanly(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("caller-1", 1)
	platform := audiomock.NewPlatform()
	platform.RedialErr = audio.ErrHungUp

	s, err := New(conn, newFixture().config())
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	r := NewReconnector(s, ReconnectorConfig{Redialer: platform, Backoff: time.Hour})
	if err := r.Run(context.Background()); err != nil {
		t.Errorf("want nil after a hang-up, got %v", err)
	}
	if got := len(platform.RedialCalls()); got != 1 {
		t.Errorf("want a single redial attempt, got %d", got)
	}
}

func TestReconnector_NoRedialer(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("caller-1", 1)
	s, err := New(conn, newFixture().config())
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if err := NewReconnector(s, ReconnectorConfig{}).Run(context.Background()); !errors.Is(err, fault.ErrTransport) {
		t.Errorf("want transport fault, got %v", err)
	}
}

func TestReconnector_NilConnectionIsFailure(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("caller-1", 1)
	s, err := New(conn, newFixture().config())
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	r := NewReconnector(s, ReconnectorConfig{Redialer: audiomock.NewPlatform(), MaxRetries: 1})
	if err := r.Run(context.Background()); !errors.Is(err, ErrRedialFailed) {
		t.Errorf("want ErrRedialFailed, got %v", err)
	}
}

func TestReconnector_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("caller-1", 1)
	platform := audiomock.NewPlatform()
	platform.RedialErr = errors.New("unreachable")

	s, err := New(conn, newFixture().config())
	if err != nil {
		t.Fatal(err)
	}
	r := NewReconnector(s, ReconnectorConfig{Redialer: platform, Backoff: time.Hour})
	conn.Close()

	cancel, done := start(t, r.Run)
	eventually(t, func() bool { return len(platform.RedialCalls()) == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("want nil on cancel, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("want Run to return promptly on cancel")
	}
}
