package strategy

import (
	"context"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

// Noop never trades. It keeps the feed, ledger marks and reconciliation
// running without a strategy.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) OnTick(context.Context, domain.Tick, ledger.View) []domain.OrderIntent { return nil }

func (Noop) OnFill(context.Context, domain.Fill) {}

func (Noop) OnRejection(context.Context, domain.OrderIntent, error) {}
