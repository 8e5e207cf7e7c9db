// Package session reconciles the locally ticking countdown against the
// server-authoritative remaining time.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"primus-kiosk/internal/events"
	"primus-kiosk/internal/model"
	"primus-kiosk/internal/store"
)

const (
	tickInterval     = 1 * time.Second
	estimateInterval = 60 * time.Second

	lowWarnSeconds      = 5 * 60
	criticalWarnSeconds = 60
)

// EstimateFunc fetches the server's remaining-minutes estimate.
type EstimateFunc func(ctx context.Context) (float64, error)

// StopFunc ends the active server session when time runs out.
type StopFunc func(ctx context.Context, sessionID int64) error

// Reconciler owns the authoritative remainingSeconds value. Server-origin
// values replace the local countdown outright; the per-second decrement only
// smooths the display between syncs and never overrides a fresher server
// value.
type Reconciler struct {
	bus   *events.Bus
	state *store.Store

	estimate EstimateFunc
	stop     StopFunc

	mu          sync.Mutex
	remaining   int
	known       bool
	sessionID   int64
	stopFired   bool
	warnedLow   bool
	warnedFinal bool
}

func New(bus *events.Bus, state *store.Store, estimate EstimateFunc, stop StopFunc) *Reconciler {
	r := &Reconciler{bus: bus, state: state, estimate: estimate, stop: stop}
	if snap, ok := state.TimeSnapshot(); ok {
		// Resume the cached value so a restart shows an approximation
		// instead of nothing until the first server sync.
		r.remaining = snap.RemainingSeconds
		r.known = true
	}
	return r
}

// Remaining returns the current countdown value; ok is false before any
// value (cached or server-origin) is known.
func (r *Reconciler) Remaining() (seconds int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.known
}

// SetSessionActive marks a server session as active on this PC. The
// exactly-once stop guard is re-armed for each new session.
func (r *Reconciler) SetSessionActive(sessionID int64) {
	r.mu.Lock()
	r.sessionID = sessionID
	r.stopFired = false
	r.mu.Unlock()
	r.state.SetActiveSessionID(sessionID)
}

func (r *Reconciler) ClearSession() {
	r.mu.Lock()
	r.sessionID = 0
	r.stopFired = false
	r.mu.Unlock()
	r.state.SetActiveSessionID(0)
}

// SetServerSeconds applies a server-origin value: pushed pc.time.update /
// shop.purchase payloads and estimate polls all land here. The local
// decrement restarts from this point, and the snapshot is persisted.
func (r *Reconciler) SetServerSeconds(seconds int) {
	if seconds < 0 {
		seconds = 0
	}

	r.mu.Lock()
	r.remaining = seconds
	r.known = true
	if seconds > criticalWarnSeconds {
		r.warnedFinal = false
	}
	if seconds > lowWarnSeconds {
		r.warnedLow = false
	}
	r.mu.Unlock()

	r.state.SetTimeSnapshot(model.TimeSnapshot{
		RemainingSeconds: seconds,
		SavedAt:          time.Now().UnixMilli(),
	})
}

// Run drives the one-second countdown tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// RunEstimatePoll periodically refreshes the countdown from billing. Poll
// failures are logged and retried on the next interval.
func (r *Reconciler) RunEstimatePoll(ctx context.Context) {
	ticker := time.NewTicker(estimateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minutes, err := r.estimate(ctx)
			if err != nil {
				log.Printf("reconciler: estimate poll failed: %v", err)
				continue
			}
			r.SetServerSeconds(int(minutes * 60))
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.mu.Lock()
	if !r.known {
		r.mu.Unlock()
		return
	}
	if r.remaining > 0 {
		r.remaining--
	}

	remaining := r.remaining
	sessionID := r.sessionID

	warnLow := remaining <= lowWarnSeconds && remaining > 0 && !r.warnedLow
	if warnLow {
		r.warnedLow = true
	}
	warnFinal := remaining <= criticalWarnSeconds && remaining > 0 && !r.warnedFinal
	if warnFinal {
		r.warnedFinal = true
	}

	// Edge-triggered: the stop action fires once per session even though
	// remaining stays at zero on every following tick.
	fireStop := remaining == 0 && sessionID != 0 && !r.stopFired
	if fireStop {
		r.stopFired = true
	}
	r.mu.Unlock()

	if warnLow {
		r.bus.Publish(model.Event{Type: model.EventTimeLow, Payload: map[string]any{"remainingSeconds": remaining}})
	}
	if warnFinal {
		r.bus.Publish(model.Event{Type: model.EventTimeLow, Payload: map[string]any{"remainingSeconds": remaining, "final": true}})
	}
	if fireStop {
		r.bus.Publish(model.Event{Type: model.EventTimeUp})
		if r.stop != nil {
			if err := r.stop(ctx, sessionID); err != nil {
				log.Printf("reconciler: auto-stop of session %d failed: %v", sessionID, err)
			}
		}
		r.state.SetActiveSessionID(0)
	}
}
