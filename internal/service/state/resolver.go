// Package state вычисляет состояние полиса по журналу событий.
// Состояние нигде не хранится: каждый вызов перечитывает журнал.
package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// Snapshot: результат одного чтения журнала полиса.
type Snapshot struct {
	PolicyID string
	// History упорядочена по времени добавления.
	History  []domain.Event
	Current  domain.Event
	HasState bool
	LastGood domain.Event
	HasGood  bool
}

// Terminal сообщает, что полис в конечном состоянии.
func (s Snapshot) Terminal() bool {
	return s.HasState && s.Current.Kind.Terminal()
}

// Failed сообщает, что последнее событие полиса имеет вид Failed.
func (s Snapshot) Failed() bool {
	return s.HasState && s.Current.Kind == domain.EventFailed
}

// LatestOfKind ищет последнее событие вида kind в снимке.
func (s Snapshot) LatestOfKind(kind domain.EventKind) (domain.Event, bool) {
	return domain.LatestOfKind(s.History, kind)
}

// Resolver: сервис чтения состояния полиса поверх EventStore.
type Resolver struct {
	events domain.EventStore
}

// NewResolver создаёт резолвер состояния.
func NewResolver(events domain.EventStore) *Resolver {
	return &Resolver{events: events}
}

// Snapshot читает журнал один раз и вычисляет текущее и последнее успешное состояние.
func (r *Resolver) Snapshot(ctx context.Context, policyID string) (Snapshot, error) {
	if strings.TrimSpace(policyID) == "" {
		return Snapshot{}, domain.ErrPolicyIDRequired
	}

	events, err := r.events.List(ctx, policyID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list events for policy %s: %w", policyID, err)
	}
	domain.SortEvents(events)

	snap := Snapshot{PolicyID: policyID, History: events}
	snap.Current, snap.HasState = domain.CurrentOf(events)
	snap.LastGood, snap.HasGood = domain.LastGoodOf(events)
	return snap, nil
}

// CurrentState возвращает последнее событие полиса; ok=false, если событий нет.
func (r *Resolver) CurrentState(ctx context.Context, policyID string) (domain.Event, bool, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return domain.Event{}, false, err
	}
	return snap.Current, snap.HasState, nil
}

// History возвращает полный журнал полиса в хронологическом порядке.
func (r *Resolver) History(ctx context.Context, policyID string) ([]domain.Event, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return snap.History, nil
}

// IsTerminal сообщает, что полис completed, refunded или refund_initiated.
func (r *Resolver) IsTerminal(ctx context.Context, policyID string) (bool, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return false, err
	}
	return snap.Terminal(), nil
}

// IsFailed сообщает, что текущее состояние failed.
func (r *Resolver) IsFailed(ctx context.Context, policyID string) (bool, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return false, err
	}
	return snap.Failed(), nil
}

// IsCompleted сообщает, что текущее состояние completed.
func (r *Resolver) IsCompleted(ctx context.Context, policyID string) (bool, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return false, err
	}
	return snap.HasState && snap.Current.Kind == domain.EventCompleted, nil
}

// LastGoodState возвращает последнее событие, не являющееся failed.
func (r *Resolver) LastGoodState(ctx context.Context, policyID string) (domain.Event, bool, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return domain.Event{}, false, err
	}
	return snap.LastGood, snap.HasGood, nil
}

// LatestOfKind возвращает последнее событие заданного вида.
func (r *Resolver) LatestOfKind(ctx context.Context, policyID string, kind domain.EventKind) (domain.Event, bool, error) {
	snap, err := r.Snapshot(ctx, policyID)
	if err != nil {
		return domain.Event{}, false, err
	}
	evt, ok := snap.LatestOfKind(kind)
	return evt, ok, nil
}
