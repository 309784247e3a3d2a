package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Subject  string // What was checked
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Subject)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate runs every assertion and returns the failures in order.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []error {
	var errs []error
	for _, a := range assertions {
		if err := h.evaluateOne(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (h *Harness) evaluateOne(ctx context.Context, a Assertion) error {
	id := h.aliases[a.Item]

	switch a.Type {
	case AssertAvailable:
		d, err := h.market.Details(ctx, id)
		if err != nil {
			return err
		}
		return compare(a, "item "+a.Item, decimal.NewFromInt(d.Tally.Available))

	case AssertUnitBalance:
		n, err := h.market.UnitBalance(ctx, id, ir.AccountID(a.Account), ir.UnitID(a.Unit))
		if err != nil {
			return err
		}
		return compare(a, fmt.Sprintf("%s unit %d of %s", a.Account, a.Unit, a.Item), decimal.NewFromInt(n))

	case AssertBalance:
		token := h.token
		if a.Token != "" {
			token = ir.TokenID(a.Token)
		}
		account, subject := ir.AccountID(a.Account), a.Account
		if account == "" {
			account, subject = id.Account(), "item "+a.Item
		}
		bal, err := h.market.Balance(ctx, token, account)
		if err != nil {
			return err
		}
		return compare(a, fmt.Sprintf("%s %s", subject, token), bal)

	case AssertEvents:
		got := 0
		for _, ev := range h.recorder.OfKind(events.Kind(a.Kind)) {
			if a.Item == "" || ev.Item == id {
				got++
			}
		}
		if got != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Subject:  subjectOf(a.Kind, a.Item),
				Expected: fmt.Sprintf("%d events", *a.Count),
				Actual:   fmt.Sprintf("%d events", got),
			}
		}
		return nil

	case AssertBalanced:
		d, err := h.market.Details(ctx, id)
		if err != nil {
			return err
		}
		if !d.Tally.Balanced() {
			t := d.Tally
			return &AssertionError{
				Type:     a.Type,
				Subject:  "item " + a.Item,
				Expected: fmt.Sprintf("available+claimed+open+owed == %d", t.Total),
				Actual:   fmt.Sprintf("%d+%d+%d+%d", t.Available, t.Claimed, t.Open, t.Owed),
			}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// compare checks got against equals and at_least. Both may be set.
func compare(a Assertion, subject string, got decimal.Decimal) error {
	if a.Equals != "" {
		want := decimal.RequireFromString(a.Equals)
		if !got.Equal(want) {
			return &AssertionError{Type: a.Type, Subject: subject, Expected: "= " + want.String(), Actual: got.String()}
		}
	}
	if a.AtLeast != "" {
		want := decimal.RequireFromString(a.AtLeast)
		if got.LessThan(want) {
			return &AssertionError{Type: a.Type, Subject: subject, Expected: ">= " + want.String(), Actual: got.String()}
		}
	}
	return nil
}

func subjectOf(kind, alias string) string {
	if alias == "" {
		return kind
	}
	return kind + " for " + alias
}
