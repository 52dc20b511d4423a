package router

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// transitions lists the legal next states for every non-terminal state.
var transitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderStatePendingRisk: {
		domain.OrderStateRejectedRisk,
		domain.OrderStateSubmitted,
	},
	domain.OrderStateSubmitted: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateCancelled,
		domain.OrderStateRejectedBroker,
	},
	domain.OrderStatePartiallyFilled: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateCancelled,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to domain.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(o *domain.Order, to domain.OrderState, now time.Time) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("router: order %s %s -> %s: %w", o.ID, o.State, to, domain.ErrInvalidTransition)
	}
	o.State = to
	o.UpdatedAt = now
	return nil
}
