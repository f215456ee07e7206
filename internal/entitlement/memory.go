package entitlement

import (
	"context"
	"sync"

	"coursecast-live/internal/models"
)

// MemoryProjection keeps the projection in process memory. Suitable for
// development and tests; production deployments use the Redis projection so
// the entitlement map survives restarts.
type MemoryProjection struct {
	mu      sync.RWMutex
	entries map[string]models.Entitlement
}

// NewMemoryProjection constructs an empty in-memory projection.
func NewMemoryProjection() *MemoryProjection {
	return &MemoryProjection{entries: make(map[string]models.Entitlement)}
}

func (p *MemoryProjection) Get(_ context.Context, userID string) (models.Entitlement, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entitlement, ok := p.entries[userID]
	return entitlement, ok, nil
}

func (p *MemoryProjection) Put(_ context.Context, entitlement models.Entitlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entitlement.UserID] = entitlement
	return nil
}

func (p *MemoryProjection) Delete(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, userID)
	return nil
}

var _ Projection = (*MemoryProjection)(nil)
