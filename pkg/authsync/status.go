// Package authsync keeps the shell's view of an embedded application's
// session in step with the application itself: a layered check over a local
// cache, a provider-specific probe, and a deliberate availability-first
// fallback when the probe breaks.
package authsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/triangleos/trios/pkg/protocol"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultStorageKey is used when a protocol document names no session_storage
// key.
const DefaultStorageKey = "trios_auth"

// Status is the shell's cached view of one session.
type Status struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user,omitempty"`
	Token         string         `json:"token,omitempty"`
	Expires       time.Time      `json:"expires"`
	CheckedAt     time.Time      `json:"checked_at"`
}

// Valid reports whether a cached status can short-circuit a fresh check.
func (s Status) Valid(now time.Time) bool {
	if !s.Authenticated {
		return false
	}
	return s.Expires.IsZero() || now.Before(s.Expires)
}

// FromPayload converts a wire auth status into a cacheable one.
func FromPayload(p protocol.AuthStatusPayload) Status {
	s := Status{
		Authenticated: p.Authenticated,
		User:          p.User,
		Token:         p.Token,
	}
	if p.Expires > 0 {
		s.Expires = time.UnixMilli(p.Expires)
	}
	return s
}

// Payload converts a status back to its wire form.
func (s Status) Payload() protocol.AuthStatusPayload {
	p := protocol.AuthStatusPayload{
		Authenticated: s.Authenticated,
		User:          s.User,
		Token:         s.Token,
	}
	if !s.Expires.IsZero() {
		p.Expires = s.Expires.UnixMilli()
	}
	return p
}

// Store persists Status values under a storage key.
type Store interface {
	Load(ctx context.Context, key string) (Status, bool, error)
	Save(ctx context.Context, key string, s Status) error
	Clear(ctx context.Context, key string) error
}

// MemoryStore keeps statuses in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]Status
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]Status)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (Status, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[key]
	return st, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, st Status) error {
	s.mu.Lock()
	s.m[key] = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

// FileStore persists statuses as JSON files under a directory, one file per
// storage key. Tokens land on disk, so files are written 0600.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, sanitized+".json")
}

func (s *FileStore) Load(_ context.Context, key string) (Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	var st Status
	if err := codec.Unmarshal(data, &st); err != nil {
		return Status{}, false, err
	}
	return st, true, nil
}

func (s *FileStore) Save(_ context.Context, key string, st Status) error {
	data, err := codec.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FileStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisStore persists statuses in Redis, expiring alongside the session.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a client. prefix namespaces the keys, defaulting to
// "trios:auth:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "trios:auth:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Load(ctx context.Context, key string) (Status, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	var st Status
	if err := codec.Unmarshal(data, &st); err != nil {
		return Status{}, false, err
	}
	return st, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, st Status) error {
	data, err := codec.Marshal(st)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !st.Expires.IsZero() {
		ttl = time.Until(st.Expires)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	return s.client.Set(ctx, s.prefix+key, data, ttl).Err()
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
