// Package kv is the key-value state of contexts. Each context owns a
// namespace in a shared backend; writes are serialized per key.
package kv

import (
	"context"
	"sync"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// MaxKeyBytes bounds the length of a key.
const MaxKeyBytes = 1024

// Store serializes writers per key over a ports.KVBackend.
type Store struct {
	backend ports.KVBackend
	mu      sync.Mutex
	locks   map[string]*keyLock // namespace+"\x00"+key
}

// keyLock lives in Store.locks only while refs > 0.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore wraps a backend. A nil backend gets an in-memory one.
func NewStore(backend ports.KVBackend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{backend: backend, locks: make(map[string]*keyLock)}
}

// Backend returns the wrapped backend.
func (s *Store) Backend() ports.KVBackend { return s.backend }

func (s *Store) lock(namespace, key string) func() {
	id := namespace + "\x00" + key
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func checkKey(op, key string) error {
	if key == "" {
		return ferrors.New(ferrors.InvalidArgument, op, "empty key")
	}
	if len(key) > MaxKeyBytes {
		return ferrors.New(ferrors.DataTooLarge, op, "key is %d bytes, limit %d", len(key), MaxKeyBytes)
	}
	return nil
}

// Get reads a key. A missing key is NOT_FOUND.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := checkKey("kv.get", key); err != nil {
		return nil, err
	}
	v, ok, err := s.backend.Get(ctx, namespace, key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "kv.get", err)
	}
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "kv.get", "key %q", key)
	}
	return v, nil
}

// Apply performs a kv.update request. OpDelete removes the key. With
// KVNoOverwrite an existing key is kept and Apply reports false.
func (s *Store) Apply(ctx context.Context, namespace string, op entities.OpCode, upd entities.KVUpdate) (bool, error) {
	if err := checkKey("kv.update", upd.Key); err != nil {
		return false, err
	}
	unlock := s.lock(namespace, upd.Key)
	defer unlock()

	switch {
	case op == entities.OpDelete:
		if err := s.backend.Delete(ctx, namespace, upd.Key); err != nil {
			return false, ferrors.Wrap(ferrors.IOFailure, "kv.delete", err)
		}
		return true, nil
	case upd.Mode == entities.KVNoOverwrite:
		stored, err := s.backend.SetNX(ctx, namespace, upd.Key, upd.Value)
		if err != nil {
			return false, ferrors.Wrap(ferrors.IOFailure, "kv.update", err)
		}
		return stored, nil
	case upd.Mode == entities.KVOverwrite:
		if err := s.backend.Set(ctx, namespace, upd.Key, upd.Value); err != nil {
			return false, ferrors.Wrap(ferrors.IOFailure, "kv.update", err)
		}
		return true, nil
	default:
		return false, ferrors.New(ferrors.InvalidArgument, "kv.update", "unknown mode %d", upd.Mode)
	}
}

// Export returns a copy of the whole namespace.
func (s *Store) Export(ctx context.Context, namespace string) (map[string][]byte, error) {
	m, err := s.backend.Dump(ctx, namespace)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "kv.export", err)
	}
	return m, nil
}

// Replace swaps the namespace for entries in one backend call.
func (s *Store) Replace(ctx context.Context, namespace string, entries map[string][]byte) error {
	if err := s.backend.ReplaceNamespace(ctx, namespace, entries); err != nil {
		return ferrors.Wrap(ferrors.IOFailure, "kv.replace", err)
	}
	return nil
}

// Drop clears the namespace at context teardown.
func (s *Store) Drop(ctx context.Context, namespace string) error {
	return s.Replace(ctx, namespace, nil)
}
