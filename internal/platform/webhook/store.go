package webhook

import (
	"context"
	"sync"
)

// MemoryStore keeps listeners in process. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	deliveries map[string]*Delivery
	epOrder    []string
	dOrder     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*Delivery),
	}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	s.epOrder = append(s.epOrder, ep.ID)
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *MemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Endpoint, 0, len(s.epOrder))
	for _, id := range s.epOrder {
		cp := *s.endpoints[id]
		all = append(all, &cp)
	}
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return ErrNotFound
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	for i, eid := range s.epOrder {
		if eid == id {
			s.epOrder = append(s.epOrder[:i], s.epOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		s.dOrder = append(s.dOrder, d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Delivery
	for _, id := range s.dOrder {
		if d := s.deliveries[id]; d.EndpointID == endpointID {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}
