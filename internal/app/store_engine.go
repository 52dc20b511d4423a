package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/tradebot/internal/config"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
	"github.com/alanyoungcy/tradebot/internal/server/handler"
)

// storeEngine answers the ops API from Postgres for server mode, where no
// engine runs in this process.
type storeEngine struct {
	cfg  *config.Config
	deps *Dependencies
}

var _ handler.Engine = (*storeEngine)(nil)

func (e *storeEngine) snapshot(ctx context.Context) (*ledger.Ledger, error) {
	l := ledger.New(e.cfg.Engine.InitialCapital)
	if err := l.Restore(ctx, e.deps.Ledger); err != nil {
		return nil, fmt.Errorf("store engine: %w", err)
	}
	return l, nil
}

func (e *storeEngine) Status(ctx context.Context) (handler.Status, error) {
	l, err := e.snapshot(ctx)
	if err != nil {
		return handler.Status{}, err
	}
	open, err := e.deps.Orders.ListOpen(ctx)
	if err != nil {
		return handler.Status{}, fmt.Errorf("store engine: %w", err)
	}
	view := l.View()
	stats := l.Stats()
	return handler.Status{
		Mode:        e.cfg.Mode,
		Strategies:  e.cfg.Strategy.Active,
		Instruments: e.cfg.Engine.Instruments,
		Equity:      view.Equity(),
		Cash:        view.Cash,
		Exposure:    view.Exposure(),
		OpenOrders:  len(open),
		Session:     stats,
		WinRate:     stats.WinRate(),
	}, nil
}

func (e *storeEngine) Portfolio(ctx context.Context) (handler.Portfolio, error) {
	l, err := e.snapshot(ctx)
	if err != nil {
		return handler.Portfolio{}, err
	}
	return portfolioFromView(l.View()), nil
}

func (e *storeEngine) Orders(ctx context.Context, openOnly bool, opts domain.ListOpts) ([]domain.Order, error) {
	if openOnly {
		open, err := e.deps.Orders.ListOpen(ctx)
		if err != nil {
			return nil, err
		}
		return page(open, opts), nil
	}
	return e.deps.Orders.ListRecent(ctx, opts)
}

func (e *storeEngine) CancelOrder(context.Context, string) error {
	return fmt.Errorf("store engine: cancel: %w", errors.ErrUnsupported)
}

func (e *storeEngine) Resume(context.Context) error {
	return fmt.Errorf("store engine: resume: %w", errors.ErrUnsupported)
}
