package item

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/flow"
)

// NewProtocolApp adapts an engine to the stream protocol's hook interface.
// Register it for the item's account on the flow host.
func NewProtocolApp(e *Engine) flow.App {
	return protocolApp{e: e}
}

type protocolApp struct {
	e *Engine
}

func (p protocolApp) BeforeAgreementCreated(ctx context.Context, a flow.Agreement) error {
	if a.Receiver != p.e.id.Account() {
		return NewForbiddenSender(p.e.id, a.Receiver, "agreement is not addressed to this item")
	}
	return p.e.OnStreamOpened(ctx, a.Sender, a.Token, a.Rate, a.StartAt)
}

func (p protocolApp) BeforeAgreementUpdated(ctx context.Context, a flow.Agreement, newRate decimal.Decimal) error {
	return p.e.OnStreamUpdateAttempted(ctx, a.Sender, newRate)
}

func (p protocolApp) AfterAgreementTerminated(ctx context.Context, a flow.Agreement, elapsed int64) error {
	return p.e.OnStreamClosed(ctx, a.Sender, a.Rate, elapsed)
}
