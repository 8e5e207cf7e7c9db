// Package channel runs the device's command loops against the backend: a
// fixed-interval signed heartbeat and a long-poll pull cycle that delivers,
// dispatches and acknowledges remote commands.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"primus-kiosk/internal/api"
	"primus-kiosk/internal/dispatch"
	"primus-kiosk/internal/events"
	"primus-kiosk/internal/identity"
	"primus-kiosk/internal/model"
	"primus-kiosk/internal/session"
	"primus-kiosk/internal/store"
)

// Loop timings are design constants, not configuration.
const (
	heartbeatInterval  = 15 * time.Second
	pullTimeoutSeconds = 25
	pullRetryBackoff   = 5 * time.Second
	pullIdleDelay      = 500 * time.Millisecond
)

// Commands in this set carry application state rather than OS instructions;
// they are published as in-app events and acknowledged immediately instead of
// going through the dispatcher.
var eventClassCommands = map[string]struct{}{
	"chat.message":   {},
	"pc.time.update": {},
	"shop.purchase":  {},
	"notification":   {},
	"message":        {},
}

// ErrNoCredentials means the device has not completed onboarding; the channel
// refuses to start without a complete signed identity.
var ErrNoCredentials = errors.New("no device credentials, onboarding required")

type runState int32

const (
	stateStopped runState = iota
	stateStarting
	stateRunning
)

// Channel owns the heartbeat and pull cycles. Start is idempotent; Stop is
// cooperative, observed by each cycle at its next wake-up.
type Channel struct {
	client     *api.Client
	identity   *identity.Store
	dispatcher *dispatch.Dispatcher
	reconciler *session.Reconciler
	bus        *events.Bus
	state      *store.Store

	mu       sync.Mutex
	run      runState
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	revision int64

	connMu    sync.Mutex
	connected bool
	connKnown bool
}

func New(client *api.Client, ident *identity.Store, dispatcher *dispatch.Dispatcher,
	reconciler *session.Reconciler, bus *events.Bus, state *store.Store) *Channel {
	return &Channel{
		client:     client,
		identity:   ident,
		dispatcher: dispatcher,
		reconciler: reconciler,
		bus:        bus,
		state:      state,
	}
}

// Start launches both cycles. It is a no-op when already running and returns
// ErrNoCredentials when the identity store holds no complete triple.
func (ch *Channel) Start() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.run != stateStopped {
		return nil
	}
	ch.run = stateStarting

	creds, ok := ch.identity.Load()
	if !ok {
		ch.run = stateStopped
		return ErrNoCredentials
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	ch.revision = ch.identity.Revision()
	ch.run = stateRunning

	log.Printf("command channel: starting for PC #%d", creds.PCID)
	ch.setConnected(true)

	ch.wg.Add(2)
	go ch.heartbeatLoop(ctx)
	go ch.pullLoop(ctx)
	return nil
}

// Stop signals both cycles to exit. Cycles observe the cancellation at their
// next iteration boundary; callers must not assume immediate cessation,
// though in-flight requests are aborted as a courtesy.
func (ch *Channel) Stop() {
	ch.mu.Lock()
	if ch.run == stateStopped {
		ch.mu.Unlock()
		return
	}
	ch.run = stateStopped
	cancel := ch.cancel
	ch.cancel = nil
	ch.mu.Unlock()

	cancel()
	ch.wg.Wait()
	log.Printf("command channel: stopped")
}

// Running reports whether the cycles are active.
func (ch *Channel) Running() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.run == stateRunning
}

// Connected is the derived connection state: the outcome of the most recent
// heartbeat or pull round trip.
func (ch *Channel) Connected() bool {
	ch.connMu.Lock()
	defer ch.connMu.Unlock()
	return ch.connected
}

func (ch *Channel) setConnected(connected bool) {
	ch.connMu.Lock()
	changed := !ch.connKnown || ch.connected != connected
	ch.connected = connected
	ch.connKnown = true
	ch.connMu.Unlock()

	if changed {
		ch.bus.Publish(model.Event{Type: model.EventConnection, Payload: map[string]bool{"connected": connected}})
	}
}

// credentials re-reads the identity each iteration so a reset is observed
// before the next round trip.
func (ch *Channel) credentials() (model.DeviceCredentials, bool) {
	if ch.identity.Revision() != ch.revision {
		return model.DeviceCredentials{}, false
	}
	return ch.identity.Load()
}

func (ch *Channel) heartbeatLoop(ctx context.Context) {
	defer ch.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		creds, ok := ch.credentials()
		if !ok {
			log.Printf("command channel: credentials gone, heartbeat loop exiting")
			go ch.Stop()
			return
		}

		if err := ch.client.Heartbeat(ctx, creds); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("command channel: heartbeat failed: %v", err)
			ch.setConnected(false)
		} else {
			ch.setConnected(true)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (ch *Channel) pullLoop(ctx context.Context) {
	defer ch.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		creds, ok := ch.credentials()
		if !ok {
			log.Printf("command channel: credentials gone, pull loop exiting")
			go ch.Stop()
			return
		}

		commands, err := ch.client.Pull(ctx, creds, pullTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("command channel: pull failed, retrying in %s: %v", pullRetryBackoff, err)
			ch.setConnected(false)
			if !sleep(ctx, pullRetryBackoff) {
				return
			}
			continue
		}

		ch.setConnected(true)
		for _, cmd := range commands {
			ch.handle(ctx, creds, cmd)
		}

		if !sleep(ctx, pullIdleDelay) {
			return
		}
	}
}

// handle routes one pulled command: event-class names become in-app events
// with an immediate terminal ack, everything else goes through the
// dispatcher, which manages its own RUNNING/terminal sequence.
func (ch *Channel) handle(ctx context.Context, creds model.DeviceCredentials, cmd model.Command) {
	if _, ok := eventClassCommands[cmd.Command]; !ok {
		ch.dispatcher.Execute(ctx, cmd)
		return
	}

	payload, err := decodeEventPayload(cmd.Params)
	if err != nil {
		log.Printf("command channel: bad payload for %s (command %d): %v", cmd.Command, cmd.ID, err)
		ch.ack(ctx, creds, cmd.ID, model.AckFailed, map[string]any{"error": "parse error"})
		return
	}

	ch.applyEvent(cmd.Command, payload)
	ch.bus.Publish(model.Event{Type: cmd.Command, Payload: payload})
	ch.ack(ctx, creds, cmd.ID, model.AckSucceeded, map[string]any{"ok": true})
}

// applyEvent performs the agent-side effects of event-class commands before
// they reach UI subscribers.
func (ch *Channel) applyEvent(name string, payload any) {
	obj, _ := payload.(map[string]any)

	switch name {
	case "pc.time.update":
		if seconds, ok := numberField(obj, "remaining_time_seconds"); ok {
			ch.reconciler.SetServerSeconds(int(seconds))
		}
	case "shop.purchase":
		if seconds, ok := numberField(obj, "new_remaining_time"); ok {
			ch.reconciler.SetServerSeconds(int(seconds))
		}
	case "chat.message":
		text, _ := obj["text"].(string)
		if text == "" {
			if alt, ok := obj["message"].(string); ok {
				text = alt
			}
		}
		if text == "" {
			return
		}
		msg := model.ChatMessage{
			ID:        uuid.NewString(),
			Text:      text,
			Timestamp: time.Now().UnixMilli(),
			Unread:    true,
		}
		if pcID, ok := numberField(obj, "client_id"); ok {
			msg.PCID = int(pcID)
		}
		if from, ok := numberField(obj, "from_user_id"); ok {
			msg.FromUserID = int(from)
		}
		ch.state.AppendChatMessage(msg)
	}
}

func (ch *Channel) ack(ctx context.Context, creds model.DeviceCredentials, commandID int64, state model.AckState, result any) {
	if err := ch.client.Ack(ctx, creds, commandID, state, result); err != nil {
		log.Printf("command channel: ack %s for command %d failed: %v", state, commandID, err)
	}
}

// decodeEventPayload mirrors the server's params convention: params may be a
// JSON value directly, or a JSON string whose content is itself JSON.
func decodeEventPayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, fmt.Errorf("params string is not valid JSON: %w", err)
		}
		return inner, nil
	}
	return v, nil
}

func numberField(obj map[string]any, key string) (float64, bool) {
	if obj == nil {
		return 0, false
	}
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
