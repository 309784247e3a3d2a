package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/ir"
)

var (
	// ErrFlowExists is returned when creating a flow that is already open.
	ErrFlowExists = errors.New("flow: flow already exists")
	// ErrFlowNotFound is returned when updating or deleting a missing flow.
	ErrFlowNotFound = errors.New("flow: flow not found")
	// ErrInvalidRate is returned for non-positive rates.
	ErrInvalidRate = errors.New("flow: rate must be positive")
	// ErrInvalidAmount is returned for non-positive mint or transfer amounts.
	ErrInvalidAmount = errors.New("flow: amount must be positive")
	// ErrInvalidParties is returned when sender and receiver are the same account.
	ErrInvalidParties = errors.New("flow: sender and receiver must differ")
	// ErrNotParty is returned when a third party tries to close a flow.
	ErrNotParty = errors.New("flow: caller is not a party to the flow")
	// ErrInsufficientBalance is returned when a transfer exceeds the realtime balance.
	ErrInsufficientBalance = errors.New("flow: insufficient balance")
	// ErrAppRegistered is returned when an account already has an App.
	ErrAppRegistered = errors.New("flow: app already registered")
)

// Agreement is one open flow.
type Agreement struct {
	Token    ir.TokenID      `json:"token"`
	Sender   ir.AccountID    `json:"sender"`
	Receiver ir.AccountID    `json:"receiver"`
	Rate     decimal.Decimal `json:"rate"`
	StartAt  int64           `json:"start_at"`
}

// App receives agreement callbacks for flows into its account.
type App interface {
	// BeforeAgreementCreated may reject a new inflow. A rejected flow is
	// never established.
	BeforeAgreementCreated(ctx context.Context, a Agreement) error
	// BeforeAgreementUpdated may reject a rate change on an open inflow.
	BeforeAgreementUpdated(ctx context.Context, a Agreement, newRate decimal.Decimal) error
	// AfterAgreementTerminated reports a closed inflow with the seconds it ran.
	AfterAgreementTerminated(ctx context.Context, a Agreement, elapsed int64) error
}

type flowKey struct {
	token    ir.TokenID
	sender   ir.AccountID
	receiver ir.AccountID
}

// Host holds token balances and open flows.
type Host struct {
	clock  engine.TimeSource
	logger *slog.Logger
	static map[ir.TokenID]map[ir.AccountID]decimal.Decimal
	flows  map[flowKey]*Agreement
	apps   map[ir.AccountID]App
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the logger for hook failures.
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = l
	}
}

// NewHost creates an empty host reading time from clock.
func NewHost(clock engine.TimeSource, opts ...HostOption) *Host {
	h := &Host{
		clock:  clock,
		logger: slog.Default(),
		static: make(map[ir.TokenID]map[ir.AccountID]decimal.Decimal),
		flows:  make(map[flowKey]*Agreement),
		apps:   make(map[ir.AccountID]App),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterApp attaches hooks to an account. An account has at most one App.
func (h *Host) RegisterApp(account ir.AccountID, app App) error {
	if _, ok := h.apps[account]; ok {
		return fmt.Errorf("register app %s: %w", account, ErrAppRegistered)
	}
	h.apps[account] = app
	return nil
}

// Mint credits a static balance. It stands in for wrapping a plain token.
func (h *Host) Mint(token ir.TokenID, to ir.AccountID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("mint %s: %w", amount, ErrInvalidAmount)
	}
	h.credit(token, to, amount)
	return nil
}

// CreateFlow opens a flow from sender to receiver starting now.
// If the receiver has an App, its BeforeAgreementCreated hook runs first and
// its error aborts the creation.
func (h *Host) CreateFlow(ctx context.Context, token ir.TokenID, sender, receiver ir.AccountID, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("create flow: %w", ErrInvalidRate)
	}
	if sender == receiver {
		return fmt.Errorf("create flow: %w", ErrInvalidParties)
	}
	for _, acct := range []ir.AccountID{sender, receiver} {
		if err := acct.Validate(); err != nil {
			return fmt.Errorf("create flow: %w", err)
		}
	}
	k := flowKey{token, sender, receiver}
	if _, ok := h.flows[k]; ok {
		return fmt.Errorf("create flow %s -> %s: %w", sender, receiver, ErrFlowExists)
	}

	a := Agreement{Token: token, Sender: sender, Receiver: receiver, Rate: rate, StartAt: h.clock.Now()}
	if app, ok := h.apps[receiver]; ok {
		if err := app.BeforeAgreementCreated(ctx, a); err != nil {
			return fmt.Errorf("create flow %s -> %s: %w", sender, receiver, err)
		}
	}

	h.flows[k] = &a
	h.logger.Debug("flow created", "token", token, "sender", sender, "receiver", receiver, "rate", rate)
	return nil
}

// UpdateFlow changes the rate of an open flow. The accrued amount is
// settled and the flow restarts at the new rate. The receiver's App may
// reject the change, in which case the flow is untouched.
func (h *Host) UpdateFlow(ctx context.Context, token ir.TokenID, sender, receiver ir.AccountID, newRate decimal.Decimal) error {
	if !newRate.IsPositive() {
		return fmt.Errorf("update flow: %w", ErrInvalidRate)
	}
	a, ok := h.flows[flowKey{token, sender, receiver}]
	if !ok {
		return fmt.Errorf("update flow %s -> %s: %w", sender, receiver, ErrFlowNotFound)
	}
	if app, ok := h.apps[receiver]; ok {
		if err := app.BeforeAgreementUpdated(ctx, *a, newRate); err != nil {
			return fmt.Errorf("update flow %s -> %s: %w", sender, receiver, err)
		}
	}

	now := h.clock.Now()
	h.settle(*a, now)
	a.Rate = newRate
	a.StartAt = now
	return nil
}

// DeleteFlow closes an open flow. Either party may close it. The receiver's
// AfterAgreementTerminated hook runs after the flow is gone; a hook error is
// logged and does not undo the close.
func (h *Host) DeleteFlow(ctx context.Context, token ir.TokenID, sender, receiver, caller ir.AccountID) error {
	if caller != sender && caller != receiver {
		return fmt.Errorf("delete flow %s -> %s: %w", sender, receiver, ErrNotParty)
	}
	k := flowKey{token, sender, receiver}
	a, ok := h.flows[k]
	if !ok {
		return fmt.Errorf("delete flow %s -> %s: %w", sender, receiver, ErrFlowNotFound)
	}

	now := h.clock.Now()
	closed := *a
	h.settle(closed, now)
	delete(h.flows, k)
	h.logger.Debug("flow deleted", "token", token, "sender", sender, "receiver", receiver, "by", caller)

	if app, ok := h.apps[receiver]; ok {
		if err := app.AfterAgreementTerminated(ctx, closed, elapsed(closed, now)); err != nil {
			h.logger.Warn("termination hook failed",
				"token", token,
				"sender", sender,
				"receiver", receiver,
				"error", err,
			)
		}
	}
	return nil
}

// Flow returns the open flow between two accounts.
func (h *Host) Flow(token ir.TokenID, sender, receiver ir.AccountID) (Agreement, bool) {
	a, ok := h.flows[flowKey{token, sender, receiver}]
	if !ok {
		return Agreement{}, false
	}
	return *a, true
}

// FlowRate returns the current rate of the flow, and false if none is open.
func (h *Host) FlowRate(_ context.Context, token ir.TokenID, sender, receiver ir.AccountID) (decimal.Decimal, bool, error) {
	a, ok := h.Flow(token, sender, receiver)
	if !ok {
		return decimal.Zero, false, nil
	}
	return a.Rate, true, nil
}

// BalanceOf returns the realtime balance of account in token.
func (h *Host) BalanceOf(_ context.Context, token ir.TokenID, account ir.AccountID) (decimal.Decimal, error) {
	return h.realtime(token, account, h.clock.Now()), nil
}

// Transfer moves amount from one account to another, bounded by the
// sender's realtime balance.
func (h *Host) Transfer(_ context.Context, token ir.TokenID, from, to ir.AccountID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("transfer %s: %w", amount, ErrInvalidAmount)
	}
	if bal := h.realtime(token, from, h.clock.Now()); bal.LessThan(amount) {
		return fmt.Errorf("transfer %s from %s (balance %s): %w", amount, from, bal, ErrInsufficientBalance)
	}
	h.credit(token, from, amount.Neg())
	h.credit(token, to, amount)
	return nil
}

// OpenFlows returns the number of open flows.
func (h *Host) OpenFlows() int {
	return len(h.flows)
}

func (h *Host) realtime(token ir.TokenID, account ir.AccountID, now int64) decimal.Decimal {
	bal := h.static[token][account]
	for k, a := range h.flows {
		if k.token != token {
			continue
		}
		accrued := ir.Accrued(a.Rate, now-a.StartAt)
		if k.receiver == account {
			bal = bal.Add(accrued)
		}
		if k.sender == account {
			bal = bal.Sub(accrued)
		}
	}
	return bal
}

func (h *Host) settle(a Agreement, now int64) {
	accrued := ir.Accrued(a.Rate, now-a.StartAt)
	if accrued.IsZero() {
		return
	}
	h.credit(a.Token, a.Sender, accrued.Neg())
	h.credit(a.Token, a.Receiver, accrued)
}

func (h *Host) credit(token ir.TokenID, account ir.AccountID, amount decimal.Decimal) {
	book, ok := h.static[token]
	if !ok {
		book = make(map[ir.AccountID]decimal.Decimal)
		h.static[token] = book
	}
	book[account] = book[account].Add(amount)
}

func elapsed(a Agreement, now int64) int64 {
	if now < a.StartAt {
		return 0
	}
	return now - a.StartAt
}
