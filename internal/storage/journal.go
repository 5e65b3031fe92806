package storage

import (
	"context"
	"sync"

	"github.com/example/taxi-dispatch/internal/models"
)

// Journal is an append-only audit trail of order transitions. It is never
// read back into the registry: a restart still starts from an empty state.
type Journal interface {
	Record(ctx context.Context, ev models.Event) error
	History(ctx context.Context, orderID int64) ([]models.Event, error)
}

type MemoryJournal struct {
	mu     sync.RWMutex
	events map[int64][]models.Event
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{events: make(map[int64][]models.Event)}
}

func (m *MemoryJournal) Record(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.OrderID] = append(m.events[ev.OrderID], ev)
	return nil
}

func (m *MemoryJournal) History(_ context.Context, orderID int64) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, len(m.events[orderID]))
	copy(out, m.events[orderID])
	return out, nil
}

// Reset forgets every recorded event.
func (m *MemoryJournal) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[int64][]models.Event)
}
