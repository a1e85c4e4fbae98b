package authsync

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LocationFunc reports the shell's current location path, used only by the
// heuristic fallback.
type LocationFunc func() string

// SyncOption customizes a Synchronizer.
type SyncOption func(*Synchronizer)

// WithStorageKey overrides the cache key, normally the document's
// session_storage value.
func WithStorageKey(key string) SyncOption {
	return func(s *Synchronizer) {
		if key != "" {
			s.key = key
		}
	}
}

// WithLoginPaths names paths where an unauthenticated user is expected, so
// the fallback does not assume a live session there.
func WithLoginPaths(paths ...string) SyncOption {
	return func(s *Synchronizer) { s.loginPaths = append(s.loginPaths, paths...) }
}

// WithSyncLogger sets the synchronizer logger.
func WithSyncLogger(log logrus.FieldLogger) SyncOption {
	return func(s *Synchronizer) { s.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer performs the layered session check: cache, then provider,
// then heuristic.
type Synchronizer struct {
	store      Store
	provider   Provider
	location   LocationFunc
	key        string
	loginPaths []string
	log        logrus.FieldLogger
	now        func() time.Time
}

// New builds a synchronizer. location may be nil; the heuristic then always
// resolves to authenticated.
func New(store Store, provider Provider, location LocationFunc, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		store:      store,
		provider:   provider,
		location:   location,
		key:        DefaultStorageKey,
		loginPaths: []string{"/login", "/signin", "/auth"},
		log:        logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check resolves the current session state. A valid cached status wins
// outright; otherwise the provider is asked and its answer persisted. If the
// provider fails, the session is presumed live unless the shell sits on a
// login path. That bias keeps a transient network failure from locking an
// already-authenticated user out; do not tighten it without flagging the
// change.
func (s *Synchronizer) Check(ctx context.Context) Status {
	if cached, ok, err := s.store.Load(ctx, s.key); err != nil {
		s.log.WithError(err).Warn("authsync: cache load failed")
	} else if ok && cached.Valid(s.now()) {
		return cached
	}

	status, err := s.provider.Check(ctx)
	if err != nil {
		s.log.WithError(err).Warn("authsync: provider check failed, applying fallback")
		return Status{Authenticated: !s.onLoginPath(), CheckedAt: s.now()}
	}
	status.CheckedAt = s.now()
	if status.Authenticated {
		if err := s.store.Save(ctx, s.key, status); err != nil {
			s.log.WithError(err).Warn("authsync: cache save failed")
		}
	} else if err := s.store.Clear(ctx, s.key); err != nil {
		s.log.WithError(err).Warn("authsync: cache clear failed")
	}
	return status
}

// Record persists a status announced out-of-band, e.g. an in-frame
// auth_success.
func (s *Synchronizer) Record(ctx context.Context, status Status) {
	status.CheckedAt = s.now()
	if err := s.store.Save(ctx, s.key, status); err != nil {
		s.log.WithError(err).Warn("authsync: cache save failed")
	}
}

// Logout clears the cached session. The remote logout runs first when the
// provider supports one, but its failure never keeps the cache entry alive.
func (s *Synchronizer) Logout(ctx context.Context) error {
	if remote, ok := s.provider.(RemoteLogout); ok {
		if err := remote.Logout(ctx); err != nil {
			s.log.WithError(err).Warn("authsync: remote logout failed, clearing cache anyway")
		}
	}
	return s.store.Clear(ctx, s.key)
}

func (s *Synchronizer) onLoginPath() bool {
	if s.location == nil {
		return false
	}
	path := strings.ToLower(s.location())
	for _, p := range s.loginPaths {
		if p != "" && strings.HasPrefix(path, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
