package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/units"
)

var _ units.Ledger = (*Store)(nil)

// Mint implements units.Ledger.
func (s *Store) Mint(ctx context.Context, collection ir.ItemID, to ir.AccountID, unit ir.UnitID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint: amount must be positive, got %d", amount)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unit_balances (collection, unit, holder, amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, unit, holder) DO UPDATE SET amount = amount + excluded.amount
	`, string(collection), int64(unit), string(to), amount)
	if err != nil {
		return fmt.Errorf("mint unit %d of %s: %w", unit, collection, err)
	}
	return nil
}

// Transfer implements units.Ledger. The debit and credit commit together.
func (s *Store) Transfer(ctx context.Context, collection ir.ItemID, from, to ir.AccountID, unit ir.UnitID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer: amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var held int64
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM unit_balances
		WHERE collection = ? AND unit = ? AND holder = ?
	`, string(collection), int64(unit), string(from)).Scan(&held)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transfer: select balance: %w", err)
	}
	if held < amount {
		return fmt.Errorf("transfer unit %d of %s from %s: %w", unit, collection, from, units.ErrInsufficientBalance)
	}

	if held == amount {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM unit_balances
			WHERE collection = ? AND unit = ? AND holder = ?
		`, string(collection), int64(unit), string(from))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE unit_balances SET amount = amount - ?
			WHERE collection = ? AND unit = ? AND holder = ?
		`, amount, string(collection), int64(unit), string(from))
	}
	if err != nil {
		return fmt.Errorf("transfer: debit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unit_balances (collection, unit, holder, amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, unit, holder) DO UPDATE SET amount = amount + excluded.amount
	`, string(collection), int64(unit), string(to), amount)
	if err != nil {
		return fmt.Errorf("transfer: credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: commit: %w", err)
	}
	return nil
}

// BalanceOf implements units.Ledger.
func (s *Store) BalanceOf(ctx context.Context, collection ir.ItemID, holder ir.AccountID, unit ir.UnitID) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM unit_balances
		WHERE collection = ? AND unit = ? AND holder = ?
	`, string(collection), int64(unit), string(holder)).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("balance of unit %d of %s: %w", unit, collection, err)
	}
	return amount, nil
}

// Holdings returns every (unit, amount) holder owns in a collection, by unit id.
func (s *Store) Holdings(ctx context.Context, collection ir.ItemID, holder ir.AccountID) (map[ir.UnitID]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit, amount FROM unit_balances
		WHERE collection = ? AND holder = ?
		ORDER BY unit ASC
	`, string(collection), string(holder))
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	out := map[ir.UnitID]int64{}
	for rows.Next() {
		var unit, amount int64
		if err := rows.Scan(&unit, &amount); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out[ir.UnitID(unit)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	return out, nil
}
