package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"primus-kiosk/internal/model"
)

// Store is the durable local state file shared by the agent's services:
// the device credential triple, the offline action queue, the remaining-time
// snapshot, the chat cache, and the user-chosen backend URL override.
//
// All mutations go through a single lock and rewrite the whole file
// atomically, so a queue flush and a concurrent enqueue cannot interleave
// into a lost update.
type Store struct {
	mu        sync.RWMutex
	persistMu sync.Mutex

	stateFile string
	state     persistedState

	// seq orders snapshots; persistedSeq tracks the newest one on disk so a
	// slow writer cannot overwrite the file with an older snapshot.
	seq          uint64
	persistedSeq uint64
}

type persistedState struct {
	Version       int                      `json:"version"`
	Credentials   *model.DeviceCredentials `json:"credentials,omitempty"`
	OfflineQueue  []model.OfflineQueueItem `json:"offlineQueue,omitempty"`
	TimeSnapshot  *model.TimeSnapshot      `json:"timeSnapshot,omitempty"`
	ChatMessages  []model.ChatMessage      `json:"chatMessages,omitempty"`
	BackendURL    string                   `json:"backendUrl,omitempty"`
	ActiveSession int64                    `json:"activeSessionId,omitempty"`
	SavedAt       int64                    `json:"savedAt"`
}

const stateVersion = 1

// Cached chat messages are trimmed to the most recent entries.
const maxChatMessages = 200

type Options struct {
	StateFile string
}

func New(opts Options) *Store {
	s := &Store{
		stateFile: opts.StateFile,
		state:     persistedState{Version: stateVersion},
	}
	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			log.Printf("state: load failed (%s): %v", s.stateFile, err)
		}
	}
	return s
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Version != stateVersion {
		return errors.New("unsupported state file version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return nil
}

func (s *Store) snapshotLocked() persistedState {
	st := s.state
	st.SavedAt = time.Now().UnixMilli()
	if st.Credentials != nil {
		creds := *st.Credentials
		st.Credentials = &creds
	}
	if st.TimeSnapshot != nil {
		snap := *st.TimeSnapshot
		st.TimeSnapshot = &snap
	}
	st.OfflineQueue = append([]model.OfflineQueueItem(nil), st.OfflineQueue...)
	st.ChatMessages = append([]model.ChatMessage(nil), st.ChatMessages...)
	return st
}

func (s *Store) persistSnapshot(st persistedState, seq uint64) {
	path := s.stateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if seq <= s.persistedSeq {
		// A newer snapshot already reached disk.
		return
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("state: mkdir failed (%s): %v", dir, err)
		return
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		log.Printf("state: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("state: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("state: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("state: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("state: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("state: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("state: rename failed: %v", err)
		return
	}
	s.persistedSeq = seq
}

// mutate applies fn under the write lock and persists the result.
func (s *Store) mutate(fn func(*persistedState)) {
	s.mu.Lock()
	fn(&s.state)
	s.seq++
	seq := s.seq
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot(snapshot, seq)
}

// Credentials returns the stored device identity, or false when absent or
// incomplete. A partial triple reads as absent since signing needs all three
// fields.
func (s *Store) Credentials() (model.DeviceCredentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.Credentials == nil || !s.state.Credentials.Complete() {
		return model.DeviceCredentials{}, false
	}
	return *s.state.Credentials, true
}

func (s *Store) SetCredentials(creds model.DeviceCredentials) {
	s.mutate(func(st *persistedState) {
		c := creds
		st.Credentials = &c
	})
}

func (s *Store) ClearCredentials() {
	s.mutate(func(st *persistedState) {
		st.Credentials = nil
	})
}

// OfflineQueue returns a copy of the queued items in FIFO order.
func (s *Store) OfflineQueue() []model.OfflineQueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.OfflineQueueItem(nil), s.state.OfflineQueue...)
}

// AppendOfflineItem pushes an item onto the queue tail. When the queue is at
// capacity the oldest items are dropped first.
func (s *Store) AppendOfflineItem(item model.OfflineQueueItem, maxItems int) {
	s.mutate(func(st *persistedState) {
		st.OfflineQueue = append(st.OfflineQueue, item)
		if maxItems > 0 && len(st.OfflineQueue) > maxItems {
			dropped := len(st.OfflineQueue) - maxItems
			log.Printf("state: offline queue full, dropping %d oldest item(s)", dropped)
			st.OfflineQueue = append([]model.OfflineQueueItem(nil), st.OfflineQueue[dropped:]...)
		}
	})
}

// RemoveOfflineItems deletes the items with the given ids, keeping everything
// else in its original relative order. Flush uses this so an item enqueued
// while a flush was replaying over the network is never lost: only confirmed
// sends are removed, under the same lock every enqueue takes.
func (s *Store) RemoveOfflineItems(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mutate(func(st *persistedState) {
		kept := make([]model.OfflineQueueItem, 0, len(st.OfflineQueue))
		for _, item := range st.OfflineQueue {
			if _, gone := drop[item.ID]; !gone {
				kept = append(kept, item)
			}
		}
		st.OfflineQueue = kept
	})
}

func (s *Store) TimeSnapshot() (model.TimeSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.TimeSnapshot == nil {
		return model.TimeSnapshot{}, false
	}
	return *s.state.TimeSnapshot, true
}

func (s *Store) SetTimeSnapshot(snap model.TimeSnapshot) {
	s.mutate(func(st *persistedState) {
		v := snap
		st.TimeSnapshot = &v
	})
}

func (s *Store) ChatMessages() []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ChatMessage(nil), s.state.ChatMessages...)
}

func (s *Store) AppendChatMessage(msg model.ChatMessage) {
	s.mutate(func(st *persistedState) {
		st.ChatMessages = append(st.ChatMessages, msg)
		if len(st.ChatMessages) > maxChatMessages {
			st.ChatMessages = append([]model.ChatMessage(nil), st.ChatMessages[len(st.ChatMessages)-maxChatMessages:]...)
		}
	})
}

// BackendURL returns the user-chosen backend override, empty when unset.
func (s *Store) BackendURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.BackendURL
}

func (s *Store) SetBackendURL(url string) {
	s.mutate(func(st *persistedState) {
		st.BackendURL = url
	})
}

// ActiveSessionID tracks the server session started from this PC so a crashed
// client can clean it up on the next start.
func (s *Store) ActiveSessionID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ActiveSession
}

func (s *Store) SetActiveSessionID(id int64) {
	s.mutate(func(st *persistedState) {
		st.ActiveSession = id
	})
}
