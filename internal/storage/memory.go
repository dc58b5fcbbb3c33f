package storage

import (
	"context"
	"sync"

	"github.com/ankraft/acme-cse/internal/model"
)

// MemoryStore is an in-process Store implementation used as the CSE's
// default backend and in unit tests that don't need Redis: same Store
// contract as RedisStore, an RWMutex-protected map in place of Redis
// commands, no external dependency.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*model.Resource
	children  map[string][]string // pi -> ordered ri list
	srnIndex  map[string]string   // srn -> ri
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*model.Resource),
		children:  make(map[string][]string),
		srnIndex:  make(map[string]string),
	}
}

func (s *MemoryStore) srnOf(r *model.Resource) (string, error) {
	lookup := func(ri string) (model.Node, bool) {
		res, ok := s.resources[ri]
		if !ok {
			return model.Node{}, false
		}
		return model.Node{RI: res.RI, RN: res.RN, PI: res.PI}, true
	}
	return model.StructuredPath(r.RI, lookup)
}

func (s *MemoryStore) CreateResource(_ context.Context, r *model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resources[r.RI]; exists {
		return ErrAlreadyExists
	}

	for _, siblingRI := range s.children[r.PI] {
		if sibling, ok := s.resources[siblingRI]; ok && sibling.RN == r.RN {
			return ErrSRNConflict
		}
	}

	s.resources[r.RI] = r.Clone()
	s.children[r.PI] = append(s.children[r.PI], r.RI)

	srn, err := s.srnOf(r)
	if err == nil {
		s.srnIndex[srn] = r.RI
	}
	return nil
}

func (s *MemoryStore) GetResource(_ context.Context, ri string) (*model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[ri]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateResource(_ context.Context, r *model.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.resources[r.RI]
	if !ok {
		return ErrNotFound
	}

	if old.RN != r.RN {
		oldSRN, _ := s.srnOf(old)
		delete(s.srnIndex, oldSRN)
	}

	s.resources[r.RI] = r.Clone()

	if newSRN, err := s.srnOf(r); err == nil {
		s.srnIndex[newSRN] = r.RI
	}
	return nil
}

func (s *MemoryStore) DeleteResource(_ context.Context, ri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[ri]
	if !ok {
		return ErrNotFound
	}

	srn, _ := s.srnOf(r)
	delete(s.srnIndex, srn)
	delete(s.resources, ri)

	siblings := s.children[r.PI]
	for i, sib := range siblings {
		if sib == ri {
			s.children[r.PI] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	delete(s.children, ri)

	return nil
}

func (s *MemoryStore) ChildrenOf(_ context.Context, pi string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.children[pi]))
	copy(out, s.children[pi])
	return out, nil
}

func (s *MemoryStore) ChildrenOfType(_ context.Context, pi string, ty model.ResourceType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, ri := range s.children[pi] {
		if r, ok := s.resources[ri]; ok && r.TY == ty {
			out = append(out, ri)
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveSRN(_ context.Context, srn string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ri, ok := s.srnIndex[srn]
	if !ok {
		return "", ErrNotFound
	}
	return ri, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, nowUnixNano int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for ri, r := range s.resources {
		if r.ET != nil && r.ET.UnixNano() < nowUnixNano {
			out = append(out, ri)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
