package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// EventStoreOption настраивает in-memory журнал событий.
type EventStoreOption func(*EventStore)

// WithClock подменяет источник времени (для детерминированных тестов).
func WithClock(now func() time.Time) EventStoreOption {
	return func(s *EventStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPolicies требует, чтобы полис существовал до первого события, как внешний ключ в Postgres.
func WithPolicies(policies domain.PolicyRepository) EventStoreOption {
	return func(s *EventStore) { s.policies = policies }
}

// EventStore хранит журнал событий полисов в памяти (для разработки/тестов).
// Время добавления строго возрастает в пределах хранилища.
type EventStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	seq      int64
	lastAt   time.Time
	events   map[string][]domain.Event
	policies domain.PolicyRepository
}

// NewEventStore создаёт in-memory реализацию EventStore.
func NewEventStore(opts ...EventStoreOption) *EventStore {
	store := &EventStore{
		now:    func() time.Time { return time.Now().UTC() },
		events: make(map[string][]domain.Event),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Append добавляет событие в журнал полиса.
func (s *EventStore) Append(ctx context.Context, policyID string, payload domain.EventPayload) (domain.Event, error) {
	if strings.TrimSpace(policyID) == "" {
		return domain.Event{}, domain.ErrPolicyIDRequired
	}
	if payload == nil {
		return domain.Event{}, domain.ErrEventPayloadRequired
	}
	if s.policies != nil {
		if _, err := s.policies.Get(ctx, policyID); err != nil {
			return domain.Event{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now()
	if !createdAt.After(s.lastAt) {
		createdAt = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = createdAt
	s.seq++

	event := domain.Event{
		Seq:       s.seq,
		PolicyID:  policyID,
		Kind:      payload.Kind(),
		CreatedAt: createdAt,
		Payload:   payload,
	}
	s.events[policyID] = append(s.events[policyID], event)
	return event, nil
}

// List возвращает события полиса в порядке добавления.
func (s *EventStore) List(_ context.Context, policyID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[policyID]
	result := make([]domain.Event, len(events))
	copy(result, events)
	return result, nil
}

// PolicyIDsWithKind возвращает полисы, у которых встречалось событие kind, по возрастанию ID.
func (s *EventStore) PolicyIDsWithKind(_ context.Context, kind domain.EventKind, limit int) ([]string, error) {
	if !kind.Valid() {
		return nil, domain.ErrEventKindUnknown
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for policyID, events := range s.events {
		for _, evt := range events {
			if evt.Kind == kind {
				ids = append(ids, policyID)
				break
			}
		}
	}

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

var _ domain.EventStore = (*EventStore)(nil)
