// Package units defines the semi-fungible unit ledger that items issue from.
//
// A collection is one item. Each collection numbers its units 1..N; a holder
// owns an integer balance of each unit id. Items mint their whole supply to
// their own account at creation and issue a unit by transferring it to the
// buyer.
package units

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/streamsale/internal/ir"
)

// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
var ErrInsufficientBalance = errors.New("units: insufficient balance")

// Ledger is the unit ledger capability consumed by the item engine.
type Ledger interface {
	// Mint credits amount of unit to holder.
	Mint(ctx context.Context, collection ir.ItemID, to ir.AccountID, unit ir.UnitID, amount int64) error
	// Transfer moves amount of unit between holders, failing with
	// ErrInsufficientBalance if from holds less.
	Transfer(ctx context.Context, collection ir.ItemID, from, to ir.AccountID, unit ir.UnitID, amount int64) error
	// BalanceOf returns holder's balance of unit (zero if none).
	BalanceOf(ctx context.Context, collection ir.ItemID, holder ir.AccountID, unit ir.UnitID) (int64, error)
}

type key struct {
	collection ir.ItemID
	unit       ir.UnitID
	holder     ir.AccountID
}

// Memory is an in-memory Ledger. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	balances map[key]int64
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[key]int64)}
}

// Mint implements Ledger.
func (m *Memory) Mint(_ context.Context, collection ir.ItemID, to ir.AccountID, unit ir.UnitID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("units: mint amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[key{collection, unit, to}] += amount
	return nil
}

// Transfer implements Ledger.
func (m *Memory) Transfer(_ context.Context, collection ir.ItemID, from, to ir.AccountID, unit ir.UnitID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("units: transfer amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := key{collection, unit, from}
	if m.balances[src] < amount {
		return fmt.Errorf("transfer unit %d of %s from %s: %w", unit, collection, from, ErrInsufficientBalance)
	}
	m.balances[src] -= amount
	if m.balances[src] == 0 {
		delete(m.balances, src)
	}
	m.balances[key{collection, unit, to}] += amount
	return nil
}

// BalanceOf implements Ledger.
func (m *Memory) BalanceOf(_ context.Context, collection ir.ItemID, holder ir.AccountID, unit ir.UnitID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[key{collection, unit, holder}], nil
}
