// Package blob is the out-of-band byte store for payloads too large to
// travel inline with events.
//
// The Store is shared across contexts. Each context sees its own Space with
// sequential ids starting at 1. Every blob carries its own mutex, so writers
// to different blobs never contend.
package blob

import (
	"maps"
	"slices"
	"sync"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// DefaultMaxBlobBytes caps a single blob unless configured otherwise.
const DefaultMaxBlobBytes = 64 << 20

type storeConfig struct {
	maxBlobBytes uint64
}

func defaultStoreConfig() storeConfig {
	return storeConfig{maxBlobBytes: DefaultMaxBlobBytes}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithMaxBlobBytes caps the size of any single blob.
func WithMaxBlobBytes(n uint64) Option {
	return func(c *storeConfig) {
		if n > 0 {
			c.maxBlobBytes = n
		}
	}
}

// Store owns the blob spaces of every live context.
type Store struct {
	spaces map[string]*Space
	config storeConfig
	mu     sync.Mutex
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{spaces: make(map[string]*Space), config: cfg}
}

// Space returns the space of a context, creating it on first use.
func (s *Store) Space(contextID string) *Space {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spaces[contextID]
	if !ok {
		sp = &Space{blobs: make(map[uint64]*blob), maxBytes: s.config.maxBlobBytes}
		s.spaces[contextID] = sp
	}
	return sp
}

// Drop discards the space of a context at teardown.
func (s *Store) Drop(contextID string) {
	s.mu.Lock()
	sp := s.spaces[contextID]
	delete(s.spaces, contextID)
	s.mu.Unlock()
	if sp != nil {
		sp.Close()
	}
}

// Len returns the number of live spaces.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spaces)
}

type blob struct {
	data   []byte
	mu     sync.Mutex
	system bool
}

// Entry is one blob in an exported state.
type Entry struct {
	Data []byte `json:"data"`
	ID   uint64 `json:"id"`
}

// State is the capturable content of a space.
type State struct {
	Blobs []Entry `json:"blobs"`
	Next  uint64  `json:"next"`
}

// Space is one context's view of the store.
type Space struct {
	blobs    map[uint64]*blob
	maxBytes uint64
	next     uint64
	mu       sync.RWMutex
	closed   bool
}

func (sp *Space) get(op string, id uint64) (*blob, error) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	if sp.closed {
		return nil, ferrors.New(ferrors.NotFound, op, "blob space closed")
	}
	b, ok := sp.blobs[id]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, op, "blob %d", id)
	}
	return b, nil
}

// Create issues a fresh id. sizeHint preallocates capacity.
func (sp *Space) Create(sizeHint uint64) (uint64, error) {
	return sp.create(make([]byte, 0, min(sizeHint, sp.maxBytes, 1<<20)), false)
}

// CreateSystem stores data under a fresh id as a system blob. System blobs
// are not exported and survive Replace.
func (sp *Space) CreateSystem(data []byte) (uint64, error) {
	if uint64(len(data)) > sp.maxBytes {
		return 0, ferrors.New(ferrors.DataTooLarge, "blob.create", "%d bytes exceeds %d", len(data), sp.maxBytes)
	}
	return sp.create(append([]byte(nil), data...), true)
}

func (sp *Space) create(data []byte, system bool) (uint64, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return 0, ferrors.New(ferrors.NotConfigured, "blob.create", "blob space closed")
	}
	sp.next++
	sp.blobs[sp.next] = &blob{data: data, system: system}
	return sp.next, nil
}

// Write stores data at offset, extending the blob and zero-filling any gap.
func (sp *Space) Write(id, offset uint64, data []byte) error {
	b, err := sp.get("blob.write", id)
	if err != nil {
		return err
	}
	end := offset + uint64(len(data))
	if end < offset || end > sp.maxBytes {
		return ferrors.New(ferrors.DataTooLarge, "blob.write", "write to %d exceeds %d bytes", end, sp.maxBytes)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.system {
		return ferrors.New(ferrors.PermissionDenied, "blob.write", "blob %d is read-only", id)
	}
	if end > uint64(len(b.data)) {
		b.data = append(b.data, make([]byte, end-uint64(len(b.data)))...)
	}
	copy(b.data[offset:], data)
	return nil
}

// Read returns a copy of up to limit bytes starting at offset.
func (sp *Space) Read(id, offset, limit uint64) ([]byte, error) {
	b, err := sp.get("blob.read", id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	size := uint64(len(b.data))
	if offset > size {
		return nil, ferrors.New(ferrors.InvalidArgument, "blob.read", "offset %d past end %d", offset, size)
	}
	n := min(limit, size-offset)
	return append([]byte(nil), b.data[offset:offset+n]...), nil
}

// Size returns the current length of a blob.
func (sp *Space) Size(id uint64) (uint64, error) {
	b, err := sp.get("blob.size", id)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data)), nil
}

// Delete removes a blob. Its id is never reissued.
func (sp *Space) Delete(id uint64) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if _, ok := sp.blobs[id]; !ok {
		return ferrors.New(ferrors.NotFound, "blob.delete", "blob %d", id)
	}
	delete(sp.blobs, id)
	return nil
}

// Export captures every data blob in id order.
func (sp *Space) Export() State {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	st := State{Next: sp.next}
	for _, id := range slices.Sorted(maps.Keys(sp.blobs)) {
		b := sp.blobs[id]
		if b.system {
			continue
		}
		b.mu.Lock()
		st.Blobs = append(st.Blobs, Entry{ID: id, Data: append([]byte(nil), b.data...)})
		b.mu.Unlock()
	}
	return st
}

// Validate checks that st can be applied with Replace.
func (sp *Space) Validate(st State) error {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	for _, e := range st.Blobs {
		if e.ID == 0 || e.ID > st.Next {
			return ferrors.New(ferrors.InvalidArgument, "blob.validate", "blob id %d outside 1..%d", e.ID, st.Next)
		}
		if uint64(len(e.Data)) > sp.maxBytes {
			return ferrors.New(ferrors.DataTooLarge, "blob.validate", "blob %d is %d bytes", e.ID, len(e.Data))
		}
		if b, ok := sp.blobs[e.ID]; ok && b.system {
			return ferrors.New(ferrors.InvalidArgument, "blob.validate", "blob %d collides with a system blob", e.ID)
		}
	}
	return nil
}

// Replace swaps every data blob for the content of st. System blobs are
// kept. The id counter never moves backwards. Callers validate first.
func (sp *Space) Replace(st State) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for id, b := range sp.blobs {
		if !b.system {
			delete(sp.blobs, id)
		}
	}
	for _, e := range st.Blobs {
		sp.blobs[e.ID] = &blob{data: append([]byte(nil), e.Data...)}
	}
	sp.next = max(sp.next, st.Next)
}

// Len returns the number of blobs, system blobs included.
func (sp *Space) Len() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.blobs)
}

// Close drops every blob. Further calls fail.
func (sp *Space) Close() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	clear(sp.blobs)
	sp.closed = true
}
