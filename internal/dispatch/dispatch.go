// Package dispatch executes OS-class commands against the native bridge and
// reports structured results back through acknowledgments.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"primus-kiosk/internal/bridge"
	"primus-kiosk/internal/events"
	"primus-kiosk/internal/model"
)

// AckFunc reports a command state transition to the server.
type AckFunc func(ctx context.Context, commandID int64, state model.AckState, result any) error

// Dispatcher maps command names to native actions. It owns the in-app lock
// state: the UI-level lock transitions even when the OS-level call fails.
type Dispatcher struct {
	native bridge.Native
	bus    *events.Bus
	ack    AckFunc

	mu   sync.RWMutex
	lock model.LockState
}

func New(native bridge.Native, bus *events.Bus, ack AckFunc) *Dispatcher {
	return &Dispatcher{native: native, bus: bus, ack: ack}
}

// LockState returns the current UI lock state.
func (d *Dispatcher) LockState() model.LockState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lock
}

// Unlock clears the lock locally, for the staff override path.
func (d *Dispatcher) Unlock() {
	d.setLock(model.LockState{})
	d.bus.Publish(model.Event{Type: model.EventUnlock})
}

func (d *Dispatcher) setLock(state model.LockState) {
	d.mu.Lock()
	d.lock = state
	d.mu.Unlock()
}

// Execute runs one command: RUNNING ack, the action itself, then exactly one
// terminal ack. Failures, including panics out of the bridge, are contained
// here so the pull cycle never dies on a bad command.
func (d *Dispatcher) Execute(ctx context.Context, cmd model.Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: command %d (%s) panicked: %v", cmd.ID, cmd.Command, r)
			d.sendAck(ctx, cmd.ID, model.AckFailed, map[string]any{"error": fmt.Sprintf("panic: %v", r)})
		}
	}()

	log.Printf("dispatch: executing command %d: %s", cmd.ID, cmd.Command)
	d.sendAck(ctx, cmd.ID, model.AckRunning, nil)

	result, err := d.run(cmd)
	if err != nil {
		log.Printf("dispatch: command %d (%s) failed: %v", cmd.ID, cmd.Command, err)
		d.sendAck(ctx, cmd.ID, model.AckFailed, map[string]any{"error": err.Error()})
		return
	}
	d.sendAck(ctx, cmd.ID, model.AckSucceeded, result)
}

func (d *Dispatcher) run(cmd model.Command) (map[string]any, error) {
	switch cmd.Command {
	case "lock":
		d.setLock(model.LockState{Locked: true, Message: paramsText(cmd, "This PC has been locked by the administrator.")})
		d.bus.Publish(model.Event{Type: model.EventLock, Payload: cmd.ParamsValue()})
		// OS-level lock is best effort: the UI overlay is the source of
		// truth even when the syscall fails.
		if err := d.native.Lock(); err != nil {
			log.Printf("dispatch: native lock failed, keeping UI lock: %v", err)
		}
		return map[string]any{"status": "locked"}, nil

	case "unlock":
		d.setLock(model.LockState{})
		d.bus.Publish(model.Event{Type: model.EventUnlock})
		return map[string]any{"status": "unlocked"}, nil

	case "message":
		text := paramsText(cmd, "")
		if err := d.native.ShowNotification("Admin Message", text); err != nil {
			return nil, err
		}
		d.bus.Publish(model.Event{Type: "message", Payload: text})
		return map[string]any{"status": "displayed"}, nil

	case "shutdown":
		d.bus.Publish(model.Event{Type: model.EventShutdown})
		if err := d.native.Shutdown(); err != nil {
			return nil, err
		}
		return map[string]any{"status": "shutting_down"}, nil

	case "restart", "reboot":
		d.bus.Publish(model.Event{Type: model.EventRestart})
		if err := d.native.Restart(); err != nil {
			return nil, err
		}
		return map[string]any{"status": "restarting"}, nil

	case "logoff", "logout":
		d.bus.Publish(model.Event{Type: model.EventLogoff})
		if err := d.native.Logoff(); err != nil {
			return nil, err
		}
		return map[string]any{"status": "logging_off"}, nil

	case "cancel_shutdown":
		if err := d.native.CancelShutdown(); err != nil {
			return nil, err
		}
		return map[string]any{"status": "shutdown_cancelled"}, nil

	case "login":
		// Accepted but unimplemented: surfaces the login prompt in the UI.
		d.bus.Publish(model.Event{Type: model.EventLogin, Payload: cmd.ParamsValue()})
		return map[string]any{"status": "login_prompt_shown"}, nil

	case "screenshot":
		// Accepted but unimplemented.
		d.bus.Publish(model.Event{Type: model.EventScreenshot})
		return map[string]any{"status": "screenshot_requested", "note": "not implemented"}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

func (d *Dispatcher) sendAck(ctx context.Context, commandID int64, state model.AckState, result any) {
	if err := d.ack(ctx, commandID, state, result); err != nil {
		log.Printf("dispatch: ack %s for command %d failed: %v", state, commandID, err)
	}
}

// paramsText extracts a human-readable message from command params, which
// arrive either as a bare string, a {"text": ...} object, or nothing.
func paramsText(cmd model.Command, fallback string) string {
	if len(cmd.Params) == 0 {
		return fallback
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(cmd.Params, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	var s string
	if err := json.Unmarshal(cmd.Params, &s); err == nil && s != "" {
		return s
	}
	return fallback
}
