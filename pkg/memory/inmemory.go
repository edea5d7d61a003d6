package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value  []byte
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// InMemoryStore is a process-local ListMemory.
type InMemoryStore struct {
	mu     sync.Mutex
	data   map[string]entry
	lists  map[string][][]byte
	expiry map[string]time.Time // list expiry
	// closed and replaced on every push to wake blocked pops
	pushed chan struct{}
}

var _ ListMemory = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data:   make(map[string]entry),
		lists:  make(map[string][][]byte),
		expiry: make(map[string]time.Time),
		pushed: make(chan struct{}),
	}
}

func (s *InMemoryStore) Store(_ context.Context, key string, value []byte, opts ...StoreOption) error {
	options := applyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if options.TTL > 0 {
		e.expiry = time.Now().Add(options.TTL)
	}
	s.data[key] = e
	return nil
}

func (s *InMemoryStore) Retrieve(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if ok && e.expired(time.Now()) {
		delete(s.data, key)
		ok = false
	}
	if !ok {
		return nil, notFound(key)
	}
	return append([]byte(nil), e.value...), nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	delete(s.lists, key)
	delete(s.expiry, key)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanExpiredNoLock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range s.lists {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]entry)
	s.lists = make(map[string][][]byte)
	s.expiry = make(map[string]time.Time)
	return nil
}

// CleanExpired removes expired entries and returns count of removed items
func (s *InMemoryStore) CleanExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanExpiredNoLock(), nil
}

// cleanExpiredNoLock removes expired entries without locking
// Caller must hold the lock
func (s *InMemoryStore) cleanExpiredNoLock() int64 {
	var count int64
	now := time.Now()

	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			count++
		}
	}
	for key, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.lists, key)
			delete(s.expiry, key)
			count++
		}
	}
	return count
}

func (s *InMemoryStore) PushList(_ context.Context, key string, value []byte, opts ...StoreOption) error {
	options := applyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[key] = append(s.lists[key], append([]byte(nil), value...))
	if options.TTL > 0 {
		s.expiry[key] = time.Now().Add(options.TTL)
	}

	close(s.pushed)
	s.pushed = make(chan struct{})
	return nil
}

func (s *InMemoryStore) PopList(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if expiry, ok := s.expiry[key]; ok && time.Now().After(expiry) {
			delete(s.lists, key)
			delete(s.expiry, key)
		}
		if items := s.lists[key]; len(items) > 0 {
			head := items[0]
			if len(items) == 1 {
				delete(s.lists, key)
				delete(s.expiry, key)
			} else {
				s.lists[key] = items[1:]
			}
			s.mu.Unlock()
			return head, nil
		}
		pushed := s.pushed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-pushed:
		}
	}
}

func (s *InMemoryStore) ListLength(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[key]), nil
}

// Close is a no-op for InMemoryStore
func (s *InMemoryStore) Close() error {
	return nil
}
