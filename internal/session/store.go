package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sandbox/internal/logger"
	"sandbox/internal/types"
)

// State is the authentication state as last observed by the Store.
type State int

const (
	StateIndeterminate State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateIndeterminate:
		return "indeterminate"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Change is delivered to listeners after every applied transition.
type Change struct {
	Kind     EventKind
	Session  *types.Session
	State    State
	Previous State
}

// Listener receives session changes in the order they were applied.
type Listener func(Change)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store owns the current Session. Updates are applied in arrival order
// (last write wins) and fanned out to listeners outside the lock.
type Store struct {
	provider Provider

	mu        sync.Mutex
	state     State
	current   *types.Session
	arrivals  uint64
	listeners []listenerEntry
	nextID    uint64
	queue     []Change
	draining  bool
	started   bool
	closed    bool
	unsub     func()
	ready     chan struct{}
}

func NewStore(provider Provider) *Store {
	return &Store{
		provider: provider,
		state:    StateIndeterminate,
		ready:    make(chan struct{}),
	}
}

// Start subscribes to provider events and resolves the initial session.
// The state leaves Indeterminate even when the initial check fails; the
// error is returned for the caller to report.
func (s *Store) Start(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return fmt.Errorf("session store has no provider")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session store already started")
	}
	s.started = true
	mark := s.arrivals
	s.mu.Unlock()

	unsub := s.provider.Subscribe(s.handleEvent)
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		logger.Warnf("session: initial check failed: %v", err)
		sess = nil
	}
	s.apply(EventInitialSession, sess, &mark)
	if err != nil {
		return fmt.Errorf("resolve initial session: %w", err)
	}
	return nil
}

// Close releases the provider subscription. Listeners stay registered but
// no further provider events are applied.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.closed = true
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Current returns a copy of the last-known session and its state.
func (s *Store) Current() (*types.Session, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone(), s.state
}

// Session returns the current session or nil.
func (s *Store) Session() *types.Session {
	sess, _ := s.Current()
	return sess
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once the state leaves Indeterminate.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the initial check resolved or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChange registers a listener; the returned func releases it.
func (s *Store) OnChange(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, entry := range s.listeners {
				if entry.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SignIn authenticates with email and password. A failure leaves the
// store untouched.
func (s *Store) SignIn(ctx context.Context, email, password string) (*types.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, &AuthError{Message: "email and password are required"}
	}
	mark := s.arrivalMark()
	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, asAuthError(err)
	}
	if sess == nil || sess.AccessToken == "" {
		return nil, &AuthError{Message: "sign in returned no session"}
	}
	s.apply(EventSignedIn, sess, &mark)
	return sess.Clone(), nil
}

// SignUp registers a new account. When the provider requires email
// confirmation the result is pending and the store is untouched.
func (s *Store) SignUp(ctx context.Context, email, password string) (SignUpResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return SignUpResult{}, &AuthError{Message: "email and password are required"}
	}
	mark := s.arrivalMark()
	res, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return SignUpResult{}, asAuthError(err)
	}
	if res.Session != nil && res.Session.AccessToken != "" {
		s.apply(EventSignedIn, res.Session, &mark)
		return SignUpResult{Session: res.Session.Clone()}, nil
	}
	return SignUpResult{PendingConfirmation: true}, nil
}

// SignOut ends the session. The local session is dropped even if the
// provider fails to revoke the token; that failure is still returned.
// A provider event delivered during the call takes precedence.
func (s *Store) SignOut(ctx context.Context) error {
	mark := s.arrivalMark()
	err := s.provider.SignOut(ctx)
	s.apply(EventSignedOut, nil, &mark)
	if err != nil {
		return asAuthError(err)
	}
	return nil
}

func (s *Store) handleEvent(evt Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	sess := evt.Session
	if evt.Kind == EventSignedOut {
		sess = nil
	}
	s.apply(evt.Kind, sess, nil)
}

func (s *Store) arrivalMark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arrivals
}

// apply records one update. guard, when set, holds the arrival count seen
// before a provider call started; the update is dropped if anything
// arrived since.
func (s *Store) apply(kind EventKind, sess *types.Session, guard *uint64) {
	s.mu.Lock()
	if guard != nil && s.arrivals != *guard {
		s.mu.Unlock()
		logger.Debugf("session: %s result superseded by a newer event", kind)
		return
	}
	s.arrivals++
	next := StateUnauthenticated
	if sess != nil && sess.AccessToken != "" {
		next = StateAuthenticated
	} else {
		sess = nil
	}
	prev := s.state
	if prev == next && s.current.SameAs(sess) {
		s.mu.Unlock()
		return
	}
	s.current = sess.Clone()
	s.state = next
	if prev == StateIndeterminate {
		close(s.ready)
	}
	if prev != next {
		logger.Infof("session: %s -> %s (%s)", prev, next, kind)
	} else {
		logger.Debugf("session: replaced (%s)", kind)
	}
	s.queue = append(s.queue, Change{Kind: kind, Session: sess.Clone(), State: next, Previous: prev})
	s.drainLocked()
}

// drainLocked delivers queued changes in order. It is entered with s.mu
// held and returns with it released. A listener that triggers another
// update only enqueues it; the active drain delivers it next.
func (s *Store) drainLocked() {
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		ch := s.queue[0]
		s.queue = s.queue[1:]
		listeners := append([]listenerEntry(nil), s.listeners...)
		s.mu.Unlock()
		for _, entry := range listeners {
			deliver(entry.fn, ch)
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func deliver(fn Listener, ch Change) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("session listener panic: %v", r)
		}
	}()
	fn(ch)
}
