package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// ReconcileStuck queries the broker for every working order that has not
// changed for Config.StuckAfter and adopts what the broker reports. Orders
// are never resubmitted.
func (r *Router) ReconcileStuck(ctx context.Context) error {
	return r.reconcileOrders(ctx, r.cfg.StuckAfter)
}

func (r *Router) reconcileOrders(ctx context.Context, olderThan time.Duration) error {
	now := r.now()
	var errs []error
	for _, o := range r.OpenOrders() {
		if now.Sub(o.UpdatedAt) < olderThan {
			continue
		}
		if err := r.reconcileOrder(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) reconcileOrder(ctx context.Context, o domain.Order) error {
	st, err := r.broker.QueryStatus(ctx, o.BrokerOrderID)
	if err != nil {
		r.logger.WarnContext(ctx, "status query failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("router: reconcile %s: %w", o.ID, err)
	}

	unlock, err := r.lockInstrument(ctx, o.Intent.Instrument)
	if err != nil {
		return err
	}
	defer unlock()

	for _, f := range st.Fills {
		if f.Instrument == "" {
			f.Instrument = o.Intent.Instrument
		}
		f.OrderID = o.ID
		if err := r.applyFillLocked(ctx, f); err != nil {
			return fmt.Errorf("router: reconcile %s: %w", o.ID, err)
		}
	}

	// Brokers that only report cumulative quantity get a synthetic fill for
	// the difference, keyed so a repeated query books it once.
	r.mu.Lock()
	cur := *r.byID[o.ID]
	r.mu.Unlock()
	if missing := st.FilledQty - cur.FilledQty; missing > 1e-9 && st.AvgFillPrice > 0 {
		price := (st.AvgFillPrice*st.FilledQty - cur.AvgFillPrice*cur.FilledQty) / missing
		f := domain.Fill{
			ID:            o.BrokerOrderID + ":reconcile:" + strconv.FormatFloat(st.FilledQty, 'f', -1, 64),
			OrderID:       o.ID,
			BrokerOrderID: o.BrokerOrderID,
			Instrument:    o.Intent.Instrument,
			Side:          o.Intent.Side,
			Quantity:      math.Min(missing, cur.Remaining()),
			Price:         price,
			Time:          r.now(),
		}
		if err := r.applyFillLocked(ctx, f); err != nil {
			return fmt.Errorf("router: reconcile %s: %w", o.ID, err)
		}
	}

	r.mu.Lock()
	order := r.byID[o.ID]
	switch {
	case st.State == domain.OrderStateCancelled || st.State == domain.OrderStateRejectedBroker:
		if order.State.Working() && CanTransition(order.State, st.State) {
			_ = transition(order, st.State, r.now())
			order.Reason = st.Reason
			r.addWorkingLocked(order, -order.Remaining())
		} else if order.State.Working() {
			// partially_filled cannot become rejected_broker; the broker
			// stopped working it, so treat the rest as cancelled.
			_ = transition(order, domain.OrderStateCancelled, r.now())
			order.Reason = st.Reason
			r.addWorkingLocked(order, -order.Remaining())
		}
	case order.State.Working():
		order.UpdatedAt = r.now()
	}
	out := *order
	r.mu.Unlock()

	r.persist(ctx, &out, "")
	r.logger.InfoContext(ctx, "order reconciled",
		slog.String("order_id", out.ID),
		slog.String("broker_state", string(st.State)),
		slog.String("state", string(out.State)),
		slog.Float64("filled", out.FilledQty),
	)
	return nil
}

// ReconcilePositions compares ledger quantities with the broker's. Any
// difference halts submissions and is returned as a
// *domain.ReconciliationMismatch. Brokers that cannot report positions are
// skipped.
func (r *Router) ReconcilePositions(ctx context.Context) error {
	reporter, ok := r.broker.(domain.PositionReporter)
	if !ok {
		return nil
	}
	brokerPos, err := reporter.Positions(ctx)
	if err != nil {
		return fmt.Errorf("router: reconcile positions: %w", err)
	}

	view := r.ledger.View()
	seen := make(map[string]bool, len(brokerPos)+len(view.Positions))
	var diffs []domain.PositionDiff
	check := func(instrument string) {
		if seen[instrument] {
			return
		}
		seen[instrument] = true
		l, b := view.Position(instrument).Quantity, brokerPos[instrument]
		if math.Abs(l-b) > 1e-9 {
			diffs = append(diffs, domain.PositionDiff{Instrument: instrument, Ledger: l, Broker: b})
		}
	}
	for inst := range view.Positions {
		check(inst)
	}
	for inst := range brokerPos {
		check(inst)
	}
	if len(diffs) == 0 {
		return nil
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Instrument < diffs[j].Instrument })

	mismatch := &domain.ReconciliationMismatch{Diffs: diffs}
	r.Halt(mismatch)
	r.logger.ErrorContext(ctx, "ledger disagrees with broker, submissions halted",
		slog.String("error", mismatch.Error()),
	)
	r.events.Emit(ctx, domain.Event{
		Type:    domain.EventReconciliationMismatch,
		Message: mismatch.Error(),
		Time:    r.now(),
	})
	return mismatch
}
