package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/retry"
)

// keyedMutex hands out one mutex per instrument.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

const lockPollInterval = 20 * time.Millisecond

// lockInstrument enters the critical section for instrument. Risk
// evaluation, submission and fill application for one instrument never
// overlap. With a LockManager configured the section also spans processes.
func (r *Router) lockInstrument(ctx context.Context, instrument string) (func(), error) {
	m := r.instruments.get(instrument)
	m.Lock()

	if r.locks == nil {
		return m.Unlock, nil
	}

	for {
		release, err := r.locks.Acquire(ctx, "instrument:"+instrument, r.cfg.LockTTL)
		if err == nil {
			return func() {
				release()
				m.Unlock()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			m.Unlock()
			return nil, fmt.Errorf("router: lock %s: %w", instrument, err)
		}
		if err := retry.Sleep(ctx, lockPollInterval); err != nil {
			m.Unlock()
			return nil, fmt.Errorf("router: lock %s: %w", instrument, err)
		}
	}
}
