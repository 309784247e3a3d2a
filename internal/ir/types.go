package ir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// AccountID identifies any party on the ledger: a buyer, a creator, a
// profile, the registry or an item. Items are accounts too, since they hold
// token balances and units.
type AccountID string

// MaxAccountIDLen bounds the byte length of an account id.
const MaxAccountIDLen = 128

// ErrInvalidAccountID is returned for empty or oversized account ids.
var ErrInvalidAccountID = errors.New("invalid account id")

// Validate reports whether the id is non-empty and at most MaxAccountIDLen bytes.
func (a AccountID) Validate() error {
	switch {
	case a == "":
		return fmt.Errorf("%w: empty", ErrInvalidAccountID)
	case len(a) > MaxAccountIDLen:
		return fmt.Errorf("%w: %d bytes, limit %d", ErrInvalidAccountID, len(a), MaxAccountIDLen)
	}
	return nil
}

// ItemID identifies an item. Every item id is also the item's AccountID.
type ItemID string

// Account returns the account that holds the item's balances and units.
func (id ItemID) Account() AccountID {
	return AccountID(id)
}

// TokenID identifies a stream-capable payment token.
type TokenID string

// UnitID numbers one unit of an item's supply. Ids run from 1 to the item's
// total unit count.
type UnitID int64

// Hex returns the unit id as 64 lowercase hex digits, the form clients
// substitute for "{id}" in a metadata locator.
func (u UnitID) Hex() string {
	return fmt.Sprintf("%064x", uint64(u))
}

// Terms is the full, mutable-by-creator description of an item for sale.
type Terms struct {
	Creator     AccountID `json:"creator" yaml:"creator"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	Price       int64     `json:"price" yaml:"price"`
	Token       TokenID   `json:"token" yaml:"token"`
	TotalUnits  int64     `json:"total_units" yaml:"total_units"`
	EndsAt      int64     `json:"ends_at" yaml:"ends_at"`
	URI         string    `json:"uri" yaml:"uri"`
}

// Normalize returns a copy with text fields NFC-normalized and trimmed.
func (t Terms) Normalize() Terms {
	t.Title = strings.TrimSpace(norm.NFC.String(t.Title))
	t.Description = norm.NFC.String(t.Description)
	t.URI = strings.TrimSpace(t.URI)
	return t
}

// Validate checks the structural invariants of a terms tuple.
// It does not check the end timestamp against the clock.
func (t Terms) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("price must be positive, got %d", t.Price)
	}
	if t.TotalUnits <= 0 {
		return fmt.Errorf("total units must be positive, got %d", t.TotalUnits)
	}
	if t.Token == "" {
		return fmt.Errorf("token is required")
	}
	if t.EndsAt <= 0 {
		return fmt.Errorf("end timestamp is required")
	}
	return nil
}


// StreamRecord is a buyer's open payment stream against one item.
// The rate never changes for the life of the record.
type StreamRecord struct {
	Buyer   AccountID       `json:"buyer"`
	Rate    decimal.Decimal `json:"rate"`
	StartAt int64           `json:"start_at"`
}

// PaidAt returns the amount accrued by the stream at the given instant.
// Instants before the start accrue nothing.
func (r StreamRecord) PaidAt(now int64) decimal.Decimal {
	return Accrued(r.Rate, now-r.StartAt)
}
