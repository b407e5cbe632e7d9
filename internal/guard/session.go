package guard

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/labkeeper/labkeeper/internal/rbac"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// State is the resolution state of one UI session.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateResolved  State = "resolved"
	StateFailed    State = "failed"
)

// Defaults for Sessions.
const (
	DefaultDebounce    = 300 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultCapacity    = 10000
	MinDebounce        = 300 * time.Millisecond
)

// ErrAttemptsExhausted is returned once a credential failed MaxAttempts times.
var ErrAttemptsExhausted = fmt.Errorf("%w: resolution attempts exhausted", shared.ErrPrincipalUnavailable)

// SessionConfig tunes Sessions.
type SessionConfig struct {
	Debounce    time.Duration
	MaxAttempts int
	Capacity    int
}

// Snapshot is a read-only copy of one session's state.
type Snapshot struct {
	State     State
	Principal *rbac.Principal
	Err       error
	Attempts  int
	Stale     bool
}

type session struct {
	id        string
	token     string
	state     State
	principal *rbac.Principal
	err       error
	attempts  int
	stale     bool
	lastRun   time.Time
	elem      *list.Element
}

// Sessions resolves and caches principals for browser sessions. Each session
// moves Idle -> Resolving -> Resolved | Failed. Concurrent resolutions of the
// same session share one resolver call, refresh bursts inside the debounce
// window collapse into one, and a credential that keeps failing stops being
// retried after MaxAttempts until its token changes.
type Sessions struct {
	resolver rbac.PrincipalResolver
	cfg      SessionConfig
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	mu    sync.Mutex
	items map[string]*session
	order *list.List
}

// NewSessions constructs a session registry.
func NewSessions(resolver rbac.PrincipalResolver, cfg SessionConfig, logger *slog.Logger) *Sessions {
	if cfg.Debounce < MinDebounce {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		items:    make(map[string]*session),
		order:    list.New(),
	}
}

// Principal returns the principal for the session, resolving token when the
// session is idle, stale past the debounce window, or bound to another token.
func (s *Sessions) Principal(ctx context.Context, sessionID, token string) (*rbac.Principal, error) {
	if sessionID == "" || token == "" {
		return nil, shared.ErrUnauthenticated
	}

	s.mu.Lock()
	sess := s.touch(sessionID)
	if sess.token != token {
		sess.reset(token)
	}
	if p, err, done := s.settled(sess); done {
		s.mu.Unlock()
		return p, err
	}
	sess.state = StateResolving
	sess.lastRun = s.now()
	s.mu.Unlock()

	ch := s.group.DoChan(flightKey(sessionID, token), func() (interface{}, error) {
		return s.resolve(ctx, sessionID, token)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", shared.ErrPrincipalUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rbac.Principal), nil
	}
}

// settled reports whether sess can answer without a resolver call. Callers
// hold s.mu.
func (s *Sessions) settled(sess *session) (*rbac.Principal, error, bool) {
	withinWindow := !sess.lastRun.IsZero() && s.now().Sub(sess.lastRun) < s.cfg.Debounce
	switch sess.state {
	case StateResolved:
		if sess.principal.Expired(s.now()) {
			sess.state = StateFailed
			sess.err = fmt.Errorf("%w: token expired", shared.ErrInvalidToken)
			sess.principal = nil
			return nil, sess.err, true
		}
		if !sess.stale || withinWindow {
			return sess.principal, nil, true
		}
	case StateFailed:
		if terminal(sess.err) {
			return nil, sess.err, true
		}
		if sess.attempts >= s.cfg.MaxAttempts {
			return nil, ErrAttemptsExhausted, true
		}
		if withinWindow {
			return nil, sess.err, true
		}
	}
	return nil, nil, false
}

func (s *Sessions) resolve(ctx context.Context, sessionID, token string) (*rbac.Principal, error) {
	// The flight is shared by every waiter, so it drops the first caller's
	// cancellation but keeps its values, including the resolver call counter.
	ctx = context.WithoutCancel(ctx)
	p, err := s.resolver.Resolve(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[sessionID]
	if !ok || sess.token != token {
		// Forgotten or re-bound while resolving; the result still answers
		// the callers waiting on this flight.
		return p, err
	}
	if err != nil {
		sess.state = StateFailed
		sess.err = err
		sess.attempts++
		s.logger.Info("ui session resolve failed",
			slog.String("session", shortID(sessionID)),
			slog.Int("attempts", sess.attempts),
			slog.Any("error", err),
		)
		return nil, err
	}
	sess.state = StateResolved
	sess.principal = p
	sess.err = nil
	sess.attempts = 0
	sess.stale = false
	return p, nil
}

// Refresh marks the session stale. The next Principal call outside the
// debounce window re-resolves it; any number of refreshes inside the window
// cost a single resolution.
func (s *Sessions) Refresh(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[sessionID]
	if !ok {
		return
	}
	sess.stale = true
	if sess.state == StateFailed && !terminal(sess.err) {
		sess.attempts = 0
	}
}

// Forget drops the session, returning it to Idle. Used on login and logout.
func (s *Sessions) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.items[sessionID]; ok {
		s.order.Remove(sess.elem)
		delete(s.items, sessionID)
	}
}

// RefreshAll marks every session stale, e.g. after a role change.
func (s *Sessions) RefreshAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.items {
		if sess.state == StateResolved {
			sess.stale = true
		}
	}
}

// Snapshot returns the current state of a session.
func (s *Sessions) Snapshot(sessionID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[sessionID]
	if !ok {
		return Snapshot{State: StateIdle}
	}
	return Snapshot{
		State:     sess.state,
		Principal: sess.principal,
		Err:       sess.err,
		Attempts:  sess.attempts,
		Stale:     sess.stale,
	}
}

// Len returns the number of tracked sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// touch returns the session, creating it and evicting the least recently used
// entry when full. Callers hold s.mu.
func (s *Sessions) touch(id string) *session {
	if sess, ok := s.items[id]; ok {
		s.order.MoveToFront(sess.elem)
		return sess
	}
	for len(s.items) >= s.cfg.Capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*session)
		s.order.Remove(oldest)
		delete(s.items, victim.id)
	}
	sess := &session{id: id, state: StateIdle}
	sess.elem = s.order.PushFront(sess)
	s.items[id] = sess
	return sess
}

func (sess *session) reset(token string) {
	sess.token = token
	sess.state = StateIdle
	sess.principal = nil
	sess.err = nil
	sess.attempts = 0
	sess.stale = false
	sess.lastRun = time.Time{}
}

func terminal(err error) bool {
	return errors.Is(err, shared.ErrInvalidToken) || errors.Is(err, shared.ErrPrincipalInactive)
}

func flightKey(sessionID, token string) string {
	return sessionID + "\x00" + token
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
