package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"primus-kiosk/internal/api"
	"primus-kiosk/internal/bridge"
	"primus-kiosk/internal/dispatch"
	"primus-kiosk/internal/events"
	"primus-kiosk/internal/identity"
	"primus-kiosk/internal/model"
	"primus-kiosk/internal/session"
	"primus-kiosk/internal/store"
)

type ackBody struct {
	CommandID int64          `json:"command_id"`
	State     model.AckState `json:"state"`
	Result    map[string]any `json:"result"`
}

// fakeBackend serves the command endpoints and records acks.
type fakeBackend struct {
	mu    sync.Mutex
	acks  []ackBody
	pulls func() []model.Command
}

func (b *fakeBackend) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/clientpc/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/command/pull", func(w http.ResponseWriter, r *http.Request) {
		var commands []model.Command
		if b.pulls != nil {
			commands = b.pulls()
		}
		if commands == nil {
			commands = []model.Command{}
		}
		json.NewEncoder(w).Encode(commands)
	})
	mux.HandleFunc("/api/command/ack", func(w http.ResponseWriter, r *http.Request) {
		var body ackBody
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.acks = append(b.acks, body)
		b.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	return httptest.NewServer(mux)
}

func (b *fakeBackend) acksFor(commandID int64) []ackBody {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ackBody
	for _, a := range b.acks {
		if a.CommandID == commandID {
			out = append(out, a)
		}
	}
	return out
}

type fixture struct {
	backend    *fakeBackend
	channel    *Channel
	identity   *identity.Store
	reconciler *session.Reconciler
	dispatcher *dispatch.Dispatcher
	state      *store.Store
	bus        *events.Bus
	creds      model.DeviceCredentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend := &fakeBackend{}
	srv := backend.server()
	t.Cleanup(srv.Close)

	st := store.New(store.Options{StateFile: filepath.Join(t.TempDir(), "state.json")})
	ident := identity.New(st)
	creds := model.DeviceCredentials{PCID: 7, LicenseKey: "LIC-1", DeviceSecret: "secret"}
	if err := ident.Save(creds); err != nil {
		t.Fatalf("Save: %v", err)
	}

	bus := events.NewBus()
	client := api.NewClient(func() string { return srv.URL })
	ack := func(ctx context.Context, commandID int64, state model.AckState, result any) error {
		creds, ok := ident.Load()
		if !ok {
			return ErrNoCredentials
		}
		return client.Ack(ctx, creds, commandID, state, result)
	}
	dispatcher := dispatch.New(bridge.NewFake(), bus, ack)
	reconciler := session.New(bus, st, nil, nil)
	ch := New(client, ident, dispatcher, reconciler, bus, st)

	return &fixture{
		backend:    backend,
		channel:    ch,
		identity:   ident,
		reconciler: reconciler,
		dispatcher: dispatcher,
		state:      st,
		bus:        bus,
		creds:      creds,
	}
}

func TestHandle_EventClassCommand(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Unsubscribe()

	cmd := model.Command{ID: 101, Command: "pc.time.update", Params: json.RawMessage(`{"remaining_time_seconds":120}`)}
	f.channel.handle(context.Background(), f.creds, cmd)

	if got, _ := f.reconciler.Remaining(); got != 120 {
		t.Fatalf("expected reconciler updated to 120, got %d", got)
	}

	acks := f.backend.acksFor(101)
	if len(acks) != 1 {
		t.Fatalf("expected exactly one immediate ack, got %d", len(acks))
	}
	if acks[0].State != model.AckSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", acks[0].State)
	}

	event := <-sub.C
	if event.Type != "pc.time.update" {
		t.Fatalf("expected event published, got %s", event.Type)
	}
}

func TestHandle_EventClass_StringWrappedParams(t *testing.T) {
	f := newFixture(t)

	// Some backend paths double-encode params as a JSON string.
	cmd := model.Command{ID: 102, Command: "pc.time.update", Params: json.RawMessage(`"{\"remaining_time_seconds\":60}"`)}
	f.channel.handle(context.Background(), f.creds, cmd)

	if got, _ := f.reconciler.Remaining(); got != 60 {
		t.Fatalf("expected 60 from string-wrapped params, got %d", got)
	}
}

func TestHandle_EventClass_BadParamsAckFailed(t *testing.T) {
	f := newFixture(t)

	cmd := model.Command{ID: 103, Command: "pc.time.update", Params: json.RawMessage(`"not json at all"`)}
	f.channel.handle(context.Background(), f.creds, cmd)

	acks := f.backend.acksFor(103)
	if len(acks) != 1 {
		t.Fatalf("expected one ack, got %d", len(acks))
	}
	if acks[0].State != model.AckFailed {
		t.Fatalf("expected FAILED, got %s", acks[0].State)
	}
	if msg, _ := acks[0].Result["error"].(string); msg != "parse error" {
		t.Fatalf("expected parse error result, got %v", acks[0].Result)
	}
}

func TestHandle_ShopPurchaseUpdatesTime(t *testing.T) {
	f := newFixture(t)

	cmd := model.Command{ID: 104, Command: "shop.purchase", Params: json.RawMessage(`{"item":"cola","new_remaining_time":900}`)}
	f.channel.handle(context.Background(), f.creds, cmd)

	if got, _ := f.reconciler.Remaining(); got != 900 {
		t.Fatalf("expected 900 after purchase top-up, got %d", got)
	}
}

func TestHandle_ChatMessageCached(t *testing.T) {
	f := newFixture(t)

	cmd := model.Command{ID: 105, Command: "chat.message", Params: json.RawMessage(`{"text":"closing soon","from_user_id":3}`)}
	f.channel.handle(context.Background(), f.creds, cmd)

	msgs := f.state.ChatMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 cached message, got %d", len(msgs))
	}
	if msgs[0].Text != "closing soon" || msgs[0].FromUserID != 3 {
		t.Fatalf("unexpected cached message %+v", msgs[0])
	}
	if !msgs[0].Unread {
		t.Fatalf("expected cached message marked unread")
	}
}

func TestHandle_OSCommandThroughDispatcher(t *testing.T) {
	f := newFixture(t)

	cmd := model.Command{ID: 106, Command: "lock", Params: json.RawMessage(`{"text":"Locked"}`)}
	f.channel.handle(context.Background(), f.creds, cmd)

	acks := f.backend.acksFor(106)
	if len(acks) != 2 {
		t.Fatalf("expected RUNNING then terminal ack, got %d", len(acks))
	}
	if acks[0].State != model.AckRunning || acks[1].State != model.AckSucceeded {
		t.Fatalf("unexpected ack sequence %v", acks)
	}
	if !f.dispatcher.LockState().Locked {
		t.Fatalf("expected dispatcher lock state set")
	}
}

func TestStart_RequiresCredentials(t *testing.T) {
	f := newFixture(t)
	f.identity.Reset()

	if err := f.channel.Start(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if f.channel.Running() {
		t.Fatalf("expected channel not running")
	}
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Unsubscribe()

	if err := f.channel.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.channel.Running() {
		t.Fatalf("expected running")
	}
	// Starting twice is a no-op.
	if err := f.channel.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	select {
	case event := <-sub.C:
		if event.Type != model.EventConnection {
			t.Fatalf("expected connection event first, got %s", event.Type)
		}
		payload, _ := event.Payload.(map[string]bool)
		if !payload["connected"] {
			t.Fatalf("expected connected=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection event")
	}

	f.channel.Stop()
	if f.channel.Running() {
		t.Fatalf("expected stopped")
	}
	// Stop is idempotent.
	f.channel.Stop()
}

func TestPullToAck_EndToEnd(t *testing.T) {
	f := newFixture(t)

	var delivered sync.Once
	f.backend.pulls = func() []model.Command {
		var commands []model.Command
		delivered.Do(func() {
			commands = []model.Command{{ID: 1, Command: "lock"}}
		})
		return commands
	}

	if err := f.channel.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.channel.Stop()

	deadline := time.Now().Add(5 * time.Second)
	var acks []ackBody
	for time.Now().Before(deadline) {
		acks = f.backend.acksFor(1)
		if len(acks) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(acks) != 2 {
		t.Fatalf("expected exactly RUNNING then terminal ack, got %d", len(acks))
	}
	if acks[0].State != model.AckRunning {
		t.Fatalf("expected RUNNING first, got %s", acks[0].State)
	}
	if acks[1].State != model.AckSucceeded {
		t.Fatalf("expected terminal SUCCEEDED, got %s", acks[1].State)
	}
	if status, _ := acks[1].Result["status"].(string); status != "locked" {
		t.Fatalf("expected result status locked, got %v", acks[1].Result)
	}
	if !f.dispatcher.LockState().Locked {
		t.Fatalf("expected lock engaged")
	}

	// The command was delivered once and must not gain extra acks while the
	// loop keeps polling.
	time.Sleep(700 * time.Millisecond)
	if got := f.backend.acksFor(1); len(got) != 2 {
		t.Fatalf("expected no further acks for command 1, got %d", len(got))
	}
}

func TestCredentials_GoneAfterReset(t *testing.T) {
	f := newFixture(t)

	if err := f.channel.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.channel.Stop()

	if _, ok := f.channel.credentials(); !ok {
		t.Fatalf("expected credentials while identity intact")
	}

	f.identity.Reset()
	if _, ok := f.channel.credentials(); ok {
		t.Fatalf("expected credentials refused after reset")
	}
}

func TestDecodeEventPayload(t *testing.T) {
	payload, err := decodeEventPayload(json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("object params: %v", err)
	}
	if obj, ok := payload.(map[string]any); !ok || obj["a"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}

	payload, err = decodeEventPayload(json.RawMessage(`"{\"a\":1}"`))
	if err != nil {
		t.Fatalf("string-wrapped params: %v", err)
	}
	if obj, ok := payload.(map[string]any); !ok || obj["a"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}

	if _, err = decodeEventPayload(json.RawMessage(`"plain text"`)); err == nil {
		t.Fatalf("expected error for non-JSON string content")
	}

	payload, err = decodeEventPayload(nil)
	if err != nil || payload != nil {
		t.Fatalf("expected nil payload for empty params, got %v, %v", payload, err)
	}
}
