package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

type eventStore struct {
	db *sql.DB
}

// NewEventStore создаёт журнал событий полиса поверх таблицы policy_events.
// Время события назначает база (clock_timestamp), порядок при равенстве времени задаёт seq.
func NewEventStore(store *Store) domain.EventStore {
	return &eventStore{db: store.DB()}
}

func (s *eventStore) Append(ctx context.Context, policyID string, payload domain.EventPayload) (domain.Event, error) {
	if strings.TrimSpace(policyID) == "" {
		return domain.Event{}, domain.ErrPolicyIDRequired
	}
	if payload == nil {
		return domain.Event{}, domain.ErrEventPayloadRequired
	}
	kind := payload.Kind()
	if !kind.Valid() {
		return domain.Event{}, fmt.Errorf("%w: %q", domain.ErrEventKindUnknown, kind)
	}

	raw, err := domain.EncodePayload(payload)
	if err != nil {
		return domain.Event{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	evt := domain.Event{
		PolicyID: policyID,
		Kind:     kind,
		Payload:  payload,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO policy_events (policy_id, kind, payload)
		VALUES ($1, $2, $3)
		RETURNING seq, created_at
	`, policyID, string(kind), raw).Scan(&evt.Seq, &evt.CreatedAt)
	if err != nil {
		if hasPgCode(err, pgForeignKeyViolation) {
			return domain.Event{}, domain.ErrPolicyNotFound
		}
		return domain.Event{}, fmt.Errorf("insert policy event: %w", err)
	}

	return evt, nil
}

func (s *eventStore) List(ctx context.Context, policyID string) ([]domain.Event, error) {
	if strings.TrimSpace(policyID) == "" {
		return nil, domain.ErrPolicyIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, policy_id, kind, payload, created_at
		FROM policy_events
		WHERE policy_id = $1
		ORDER BY created_at ASC, seq ASC
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("query policy events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			evt  domain.Event
			kind string
			raw  []byte
		)
		if err := rows.Scan(&evt.Seq, &evt.PolicyID, &kind, &raw, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy event: %w", err)
		}
		evt.Kind = domain.EventKind(kind)
		evt.Payload, err = domain.DecodePayload(evt.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("policy event %d: %w", evt.Seq, err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy events: %w", err)
	}

	return events, nil
}

func (s *eventStore) PolicyIDsWithKind(ctx context.Context, kind domain.EventKind, limit int) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrEventKindUnknown, kind)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT DISTINCT policy_id
		FROM policy_events
		WHERE kind = $1
		ORDER BY policy_id
	`
	args := []any{string(kind)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies by event kind: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan policy id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy ids: %w", err)
	}

	return ids, nil
}

var _ domain.EventStore = (*eventStore)(nil)
