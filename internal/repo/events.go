package repo

import (
	"context"

	"sitesign/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,entity_id,actor_id,payload_json`

type eventRow struct {
	ID         int64  `db:"id"`
	TS         string `db:"ts"`
	Type       string `db:"type"`
	EntityKind string `db:"entity_kind"`
	EntityID   string `db:"entity_id"`
	ActorID    string `db:"actor_id"`
	Payload    string `db:"payload_json"`
}

func (row eventRow) toDomain() domain.Event {
	return domain.Event{ID: row.ID, TS: row.TS, Type: row.Type, EntityKind: row.EntityKind, EntityID: row.EntityID, ActorID: row.ActorID, Payload: row.Payload}
}

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	return r.selectEvents(ctx, `SELECT `+eventColumns+` FROM events`+where(clauses)+` ORDER BY id DESC LIMIT ?`, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.selectEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.GetContext(ctx, &id, `SELECT COALESCE(MAX(id),0) FROM events`)
	return id, err
}

func (r Repo) selectEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	var rows []eventRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}
