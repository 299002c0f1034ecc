package xmppreg

import (
	"context"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Registry owns the set of live registration sessions, keyed by opaque
// handle. It exists so that embedding callers (a GUI thread, a command
// loop) can refer to in-flight registrations by handle across the
// human-paced gap between query and submit, without holding pointers
// into this package.
type Registry struct {
	*asyncobj.Helper

	lock     sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(log logger.Logger) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
	}
	r.Helper = asyncobj.NewHelper(log.ForkLogStr("registry"), r)
	r.SetIsActivated()
	return r
}

// CreateSession creates a session for domain, connects it, and returns
// its handle. Connection failure is surfaced immediately rather than
// deferred to the first query, so a caller gets "server unreachable" at
// the moment the user picks the server. On failure nothing is retained.
func (r *Registry) CreateSession(ctx context.Context, domain string, cfg Config) (string, error) {
	if r.IsStartedShutdown() {
		return "", stateError("create-session", "registry is closed")
	}
	s := NewSession(r.Logger, domain, cfg)
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return "", err
	}
	r.lock.Lock()
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.lock.Unlock()
	r.DLogf("Session %s created for %s (%d active)", s.ID(), domain, n)
	return s.ID(), nil
}

// Get returns the session for handle.
func (r *Registry) Get(handle string) (*Session, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s, ok := r.sessions[handle]
	if !ok {
		return nil, stateError("get-session", "unknown session handle "+handle)
	}
	return s, nil
}

// CloseSession closes the session for handle and removes it. Closing an
// unknown handle is an error; closing a session twice is not reachable
// through this method because removal happens under the same lock.
func (r *Registry) CloseSession(handle string) error {
	r.lock.Lock()
	s, ok := r.sessions[handle]
	if ok {
		delete(r.sessions, handle)
	}
	r.lock.Unlock()
	if !ok {
		return stateError("close-session", "unknown session handle "+handle)
	}
	r.DLogf("Session %s closing", handle)
	return s.Close()
}

// CloseAll closes every active session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.lock.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.lock.Unlock()
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			r.DLogf("Session %s close error (ignored): %s", s.ID(), err)
		}
	}
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sessions)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It closes all remaining sessions.
func (r *Registry) HandleOnceShutdown(completionErr error) error {
	r.CloseAll()
	return completionErr
}

// Close shuts the registry down, closing all sessions, and waits for
// completion.
func (r *Registry) Close() error {
	return r.Helper.Close()
}
