package configpatch

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps patches in process. It backs tests and single-process
// deployments without Redis; patches are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	active  map[string]Patch
	audit   []Patch
	maxKeep int
	now     func() time.Time
}

// NewMemoryStore keeps at most maxAudit audit entries (0 = 1000)
func NewMemoryStore(maxAudit int) *MemoryStore {
	if maxAudit <= 0 {
		maxAudit = 1000
	}
	return &MemoryStore{
		active:  make(map[string]Patch),
		maxKeep: maxAudit,
		now:     time.Now,
	}
}

func (s *MemoryStore) Apply(_ context.Context, p Patch) (Patch, error) {
	if err := p.Validate(); err != nil {
		return Patch{}, err
	}
	p = stamp(p, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[p.Symbol] = p
	s.audit = append(s.audit, p)
	if len(s.audit) > s.maxKeep {
		s.audit = s.audit[len(s.audit)-s.maxKeep:]
	}
	return p, nil
}

func (s *MemoryStore) Get(_ context.Context, symbol string) (Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.active[symbol]
	if !ok {
		return Patch{}, ErrNotFound
	}
	return p, nil
}

// Audit returns up to limit entries, newest first
func (s *MemoryStore) Audit(_ context.Context, limit int) ([]Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]Patch, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
