package regnum

import (
	"context"
	"sync"
)

// Jurisdiction holds the administrative codes of a practitioner's office.
type Jurisdiction struct {
	OfficeID string
	District string
	Upazila  string
}

// LocationResolver walks a practitioner's assigned location hierarchy.
type LocationResolver interface {
	Jurisdiction(ctx context.Context, practitionerID string) (Jurisdiction, error)
}

// CachedResolver memoizes lookups for the lifetime of one request. Build a
// new one per request; hierarchy membership may change between requests.
type CachedResolver struct {
	next  LocationResolver
	mu    sync.Mutex
	cache map[string]Jurisdiction
}

func NewCachedResolver(next LocationResolver) *CachedResolver {
	return &CachedResolver{next: next, cache: make(map[string]Jurisdiction)}
}

func (c *CachedResolver) Jurisdiction(ctx context.Context, practitionerID string) (Jurisdiction, error) {
	c.mu.Lock()
	j, ok := c.cache[practitionerID]
	c.mu.Unlock()
	if ok {
		return j, nil
	}
	j, err := c.next.Jurisdiction(ctx, practitionerID)
	if err != nil {
		return Jurisdiction{}, err
	}
	c.mu.Lock()
	c.cache[practitionerID] = j
	c.mu.Unlock()
	return j, nil
}
