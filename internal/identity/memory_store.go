package identity

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is a Store held in process memory. It backs the "memory"
// database type and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	calls   map[string]int
	fail    map[string]error
}

// NewMemoryStore creates an empty store
func NewMemoryStore(recs ...Record) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
	}
	for i := range recs {
		_ = s.Insert(context.Background(), &recs[i])
	}
	return s
}

// FailWith makes method fail with err until cleared with a nil err
func (s *MemoryStore) FailWith(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// CallCount returns how many times method was called
func (s *MemoryStore) CallCount(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

// enter records a call and returns the injected failure, if any
func (s *MemoryStore) enter(ctx context.Context, method string) error {
	s.calls[method]++
	if err := s.fail[method]; err != nil {
		return err
	}
	return ctx.Err()
}

func (s *MemoryStore) FindByLabel(ctx context.Context, label string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindByLabel"); err != nil {
		return nil, err
	}
	rec, ok := s.records[label]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindByUsername"); err != nil {
		return nil, err
	}
	key := FoldKey(username)
	for _, label := range s.order {
		if rec := s.records[label]; FoldKey(rec.Username) == key {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindByExternalID"); err != nil {
		return nil, err
	}
	for _, label := range s.order {
		if rec := s.records[label]; rec.ExternalID != "" && rec.ExternalID == externalID {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "List"); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(s.order))
	for _, label := range s.order {
		out = append(out, s.records[label])
	}
	return out, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "Insert"); err != nil {
		return err
	}
	label := strings.TrimSpace(rec.Label)
	if _, exists := s.records[label]; exists {
		return ErrDuplicateLabel
	}
	rec.Label = label
	s.records[label] = *rec
	s.order = append(s.order, label)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "Delete"); err != nil {
		return err
	}
	if _, ok := s.records[label]; !ok {
		return ErrNotFound
	}
	delete(s.records, label)
	s.order = slices.DeleteFunc(s.order, func(l string) bool { return l == label })
	return nil
}
