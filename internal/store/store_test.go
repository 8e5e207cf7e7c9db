package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"primus-kiosk/internal/model"
)

func TestStore_CredentialsPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	s1 := New(Options{StateFile: stateFile})
	s1.SetCredentials(model.DeviceCredentials{PCID: 7, LicenseKey: "LIC-1", DeviceSecret: "secret"})

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2 := New(Options{StateFile: stateFile})
	creds, ok := s2.Credentials()
	if !ok {
		t.Fatalf("expected credentials loaded")
	}
	if creds.PCID != 7 || creds.LicenseKey != "LIC-1" || creds.DeviceSecret != "secret" {
		t.Fatalf("unexpected credentials loaded: %+v", creds)
	}
}

func TestStore_PartialCredentialsReadAsAbsent(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	// A record missing a field must never be treated as a usable identity.
	raw, _ := json.Marshal(map[string]any{
		"version":     1,
		"credentials": map[string]any{"pc_id": 7, "license_key": "LIC-1"},
	})
	if err := os.WriteFile(stateFile, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(Options{StateFile: stateFile})
	if _, ok := s.Credentials(); ok {
		t.Fatalf("expected partial credentials to read as absent")
	}
}

func TestStore_ClearCredentials(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	s := New(Options{StateFile: stateFile})
	s.SetCredentials(model.DeviceCredentials{PCID: 7, LicenseKey: "LIC-1", DeviceSecret: "secret"})
	s.ClearCredentials()

	s2 := New(Options{StateFile: stateFile})
	if _, ok := s2.Credentials(); ok {
		t.Fatalf("expected credentials cleared on disk")
	}
}

func TestStore_OfflineQueue_OrderAndCap(t *testing.T) {
	s := New(Options{})

	for i := 0; i < 5; i++ {
		s.AppendOfflineItem(model.OfflineQueueItem{ID: fmt.Sprintf("item-%d", i)}, 3)
	}

	items := s.OfflineQueue()
	if len(items) != 3 {
		t.Fatalf("expected queue capped at 3, got %d", len(items))
	}
	// Oldest dropped, order preserved.
	for i, want := range []string{"item-2", "item-3", "item-4"} {
		if items[i].ID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, items[i].ID)
		}
	}
}

func TestStore_RemoveOfflineItems(t *testing.T) {
	s := New(Options{})

	for _, id := range []string{"a", "b", "c", "d"} {
		s.AppendOfflineItem(model.OfflineQueueItem{ID: id}, 10)
	}

	s.RemoveOfflineItems([]string{"a", "c"})

	items := s.OfflineQueue()
	if len(items) != 2 {
		t.Fatalf("expected 2 items left, got %d", len(items))
	}
	if items[0].ID != "b" || items[1].ID != "d" {
		t.Fatalf("expected b, d in order, got %s, %s", items[0].ID, items[1].ID)
	}

	// Items appended while a removal set was being computed survive.
	s.AppendOfflineItem(model.OfflineQueueItem{ID: "e"}, 10)
	s.RemoveOfflineItems([]string{"b", "d"})
	items = s.OfflineQueue()
	if len(items) != 1 || items[0].ID != "e" {
		t.Fatalf("expected only e left, got %+v", items)
	}
}

func TestStore_StaleSnapshotNeverOverwritesNewer(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	s := New(Options{StateFile: stateFile})
	s.SetBackendURL("newer")

	// A write that lost the race must not regress the file.
	stale := persistedState{Version: stateVersion, BackendURL: "older"}
	s.persistSnapshot(stale, 0)

	s2 := New(Options{StateFile: stateFile})
	if s2.BackendURL() != "newer" {
		t.Fatalf("expected newer snapshot kept on disk, got %q", s2.BackendURL())
	}
}

func TestStore_OfflineQueuePersistence(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	s1 := New(Options{StateFile: stateFile})
	s1.AppendOfflineItem(model.OfflineQueueItem{
		ID:      "a",
		URL:     "https://backend/api/chat/send",
		Payload: json.RawMessage(`{"text":"hello"}`),
		Headers: map[string]string{"X-PC-ID": "7"},
	}, 10)

	s2 := New(Options{StateFile: stateFile})
	items := s2.OfflineQueue()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if string(items[0].Payload) != `{"text":"hello"}` {
		t.Fatalf("expected payload preserved byte for byte, got %s", items[0].Payload)
	}
	if items[0].Headers["X-PC-ID"] != "7" {
		t.Fatalf("expected headers preserved, got %v", items[0].Headers)
	}
}

func TestStore_TimeSnapshotPersistence(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	s1 := New(Options{StateFile: stateFile})
	s1.SetTimeSnapshot(model.TimeSnapshot{RemainingSeconds: 540, SavedAt: 1000})

	s2 := New(Options{StateFile: stateFile})
	snap, ok := s2.TimeSnapshot()
	if !ok {
		t.Fatalf("expected snapshot loaded")
	}
	if snap.RemainingSeconds != 540 {
		t.Fatalf("expected 540 seconds, got %d", snap.RemainingSeconds)
	}
}

func TestStore_ChatMessagesTrimmed(t *testing.T) {
	s := New(Options{})

	for i := 0; i < maxChatMessages+10; i++ {
		s.AppendChatMessage(model.ChatMessage{ID: fmt.Sprintf("m-%d", i), Text: "x"})
	}

	msgs := s.ChatMessages()
	if len(msgs) != maxChatMessages {
		t.Fatalf("expected %d messages, got %d", maxChatMessages, len(msgs))
	}
	if msgs[0].ID != "m-10" {
		t.Fatalf("expected oldest messages trimmed, first is %s", msgs[0].ID)
	}
}

func TestStore_BackendURLOverridePersistence(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	s1 := New(Options{StateFile: stateFile})
	if s1.BackendURL() != "" {
		t.Fatalf("expected no override initially")
	}
	s1.SetBackendURL("https://staging.backend")

	s2 := New(Options{StateFile: stateFile})
	if s2.BackendURL() != "https://staging.backend" {
		t.Fatalf("expected override persisted, got %q", s2.BackendURL())
	}
}
