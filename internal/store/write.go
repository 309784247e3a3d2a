package store

import (
	"context"
	"fmt"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
)

// Publish appends an event to the log. Implements events.Sink.
// Uses ON CONFLICT DO NOTHING for idempotency - rewriting an event with
// the same id is silently ignored.
func (s *Store) Publish(ctx context.Context, ev events.Event) error {
	attrsJSON, err := marshalAttrs(ev.Attrs)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(seq, id, op_id, kind, item, attrs)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.Seq,
		ev.ID,
		ev.OpID,
		string(ev.Kind),
		string(ev.Item),
		attrsJSON,
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// RecordItem appends an item to the registered-items index.
// Implements gate.IndexRecorder. Recording the same id twice is a no-op.
func (s *Store) RecordItem(ctx context.Context, id ir.ItemID, terms ir.Terms) error {
	termsJSON, err := marshalTerms(terms)
	if err != nil {
		return fmt.Errorf("record item: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, position, creator, terms)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM items), ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(id), string(terms.Creator), termsJSON)
	if err != nil {
		return fmt.Errorf("record item: %w", err)
	}
	return nil
}
