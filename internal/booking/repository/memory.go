package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/campustrack/internal/booking/domain"
)

// MemoryRepository keeps bookings in process. It backs local runs and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bookings: make(map[uuid.UUID]domain.Booking)}
}

func (m *MemoryRepository) Create(_ context.Context, b domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
	return b, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return b, nil
}

// Update replaces the stored booking and bumps its version.
func (m *MemoryRepository) Update(_ context.Context, b domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[b.ID]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	b.Version = existing.Version + 1
	m.bookings[b.ID] = b
	return b, nil
}

// List returns matching bookings, newest first.
func (m *MemoryRepository) List(_ context.Context, f domain.Filter) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		if f.StudentID != "" && b.StudentID != f.StudentID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
