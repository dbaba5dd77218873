package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrManagerClosed is returned by [SessionManager.Start] after
// [SessionManager.CloseAll].
var ErrManagerClosed = errors.New("app: session manager closed")

// SessionInfo holds metadata about an active call.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Caller    string    `json:"caller"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
	TurnID    uint64    `json:"turn_id,omitempty"`
}

type tracked struct {
	sess      *session.Session
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// SessionManager runs one [session.Session] per accepted call and tracks
// them until they end. All exported methods are safe for concurrent use.
type SessionManager struct {
	newSession func(audio.Connection) (*session.Session, error)
	reconnect  session.ReconnectorConfig
	metrics    *observe.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*tracked
	closed   bool
	wg       sync.WaitGroup
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// NewSession builds the session for an accepted connection. Required.
	NewSession func(audio.Connection) (*session.Session, error)

	// Reconnect configures redial after transport faults. A nil Redialer
	// ends the call on the first transport fault.
	Reconnect session.ReconnectorConfig

	// Metrics may be nil.
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		newSession: cfg.NewSession,
		reconnect:  cfg.Reconnect,
		metrics:    cfg.Metrics,
		logger:     logger,
		sessions:   make(map[string]*tracked),
	}
}

// Start builds a session for conn and runs it in the background until the
// call ends, [SessionManager.Stop] is called or the manager is closed. On
// error conn is closed.
func (sm *SessionManager) Start(conn audio.Connection) (*session.Session, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		_ = conn.Close()
		return nil, ErrManagerClosed
	}
	sm.mu.Unlock()

	sess, err := sm.newSession(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("app: start session for %q: %w", conn.ID(), err)
	}

	ctx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), sess.ID()))
	t := &tracked{sess: sess, startedAt: time.Now().UTC(), cancel: cancel, done: make(chan struct{})}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		cancel()
		_ = sess.Close()
		return nil, ErrManagerClosed
	}
	sm.sessions[sess.ID()] = t
	sm.wg.Add(1)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	sm.logger.Info("session started", "session_id", sess.ID(), "caller", conn.ID())

	go sm.run(ctx, t)
	return sess, nil
}

func (sm *SessionManager) run(ctx context.Context, t *tracked) {
	defer sm.wg.Done()
	defer close(t.done)

	err := session.NewReconnector(t.sess, sm.reconnect).Run(ctx)
	if err != nil {
		sm.logger.Warn("session ended with error", "session_id", t.sess.ID(), "err", err)
	}
	if cerr := t.sess.Close(); cerr != nil {
		sm.logger.Warn("session close error", "session_id", t.sess.ID(), "err", cerr)
	}

	sm.mu.Lock()
	delete(sm.sessions, t.sess.ID())
	sm.mu.Unlock()
	t.cancel()

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	sm.logger.Info("session ended", "session_id", t.sess.ID(), "duration", time.Since(t.startedAt))
}

// Stop ends the session with the given id and waits for it to finish or
// ctx to expire.
func (sm *SessionManager) Stop(ctx context.Context, id string) error {
	sm.mu.Lock()
	t, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: no active session %q", id)
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll stops accepting sessions, ends every active one and waits for
// them until ctx expires.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	for _, t := range sm.sessions {
		t.cancel()
	}
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Info returns metadata about every active session, oldest first.
func (sm *SessionManager) Info() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for id, t := range sm.sessions {
		out = append(out, SessionInfo{
			SessionID: id,
			Caller:    t.sess.Conn().ID(),
			StartedAt: t.startedAt,
			State:     t.sess.State().String(),
			TurnID:    t.sess.TurnID(),
		})
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}
