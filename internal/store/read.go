package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
)

// EventFilter narrows ReadEvents. Zero fields match everything.
type EventFilter struct {
	Item     ir.ItemID
	Kind     events.Kind
	AfterSeq int64
	Limit    int
}

// ReadEvents returns events matching filter.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if no events match.
func (s *Store) ReadEvents(ctx context.Context, filter EventFilter) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Item != "" {
		where = append(where, "item = ?")
		args = append(args, string(filter.Item))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, filter.AfterSeq)
	}

	query := "SELECT seq, id, op_id, kind, item, attrs FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, id COLLATE BINARY ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (events.Event, error) {
	var (
		ev        events.Event
		kind      string
		item      string
		attrsJSON string
	)
	if err := rows.Scan(&ev.Seq, &ev.ID, &ev.OpID, &kind, &item, &attrsJSON); err != nil {
		return events.Event{}, fmt.Errorf("scan event: %w", err)
	}
	attrs, err := unmarshalAttrs(attrsJSON)
	if err != nil {
		return events.Event{}, fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	ev.Kind = events.Kind(kind)
	ev.Item = ir.ItemID(item)
	ev.Attrs = attrs
	return ev, nil
}

// LastSeq returns the highest event seq in the store, or 0 for an empty log.
// Used on startup to resume the logical clock.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq, nil
}

// ItemRecord is one row of the persisted registered-items index.
type ItemRecord struct {
	ID       ir.ItemID `json:"id"`
	Position int64     `json:"position"`
	Terms    ir.Terms  `json:"terms"`
}

// ReadItems returns the registered-items index in append order. Terms are
// the latest recorded: those of the item's last item.updated event, or the
// terms it was created with.
func (s *Store) ReadItems(ctx context.Context) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.position, COALESCE((
			SELECT e.attrs FROM events e
			WHERE e.item = i.id AND e.kind = ?
			ORDER BY e.seq DESC LIMIT 1
		), i.terms)
		FROM items i
		ORDER BY i.position ASC
	`, string(events.KindItemUpdated))
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	out := []ItemRecord{}
	for rows.Next() {
		var (
			rec       ItemRecord
			id        string
			termsJSON string
		)
		if err := rows.Scan(&id, &rec.Position, &termsJSON); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		terms, err := unmarshalTerms(termsJSON)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", id, err)
		}
		rec.ID = ir.ItemID(id)
		rec.Terms = terms
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

// ProfileRecord is a creator profile as last recorded in the event log.
type ProfileRecord struct {
	ID          ir.AccountID `json:"profile"`
	Owner       ir.AccountID `json:"owner"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
}

// ReadProfiles folds profile.created and profile.updated events into the
// current profiles, in signup order.
func (s *Store) ReadProfiles(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, attrs FROM events
		WHERE kind IN (?, ?)
		ORDER BY seq ASC
	`, string(events.KindProfileCreated), string(events.KindProfileUpdated))
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	out := []ProfileRecord{}
	at := map[ir.AccountID]int{}
	for rows.Next() {
		var kind, attrsJSON string
		if err := rows.Scan(&kind, &attrsJSON); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var p ProfileRecord
		if err := json.Unmarshal([]byte(attrsJSON), &p); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
		i, seen := at[p.ID]
		switch {
		case seen:
			out[i] = p
		case events.Kind(kind) == events.KindProfileCreated:
			at[p.ID] = len(out)
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}
