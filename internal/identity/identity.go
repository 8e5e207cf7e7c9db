// Package identity owns the persisted device credential triple obtained by
// the one-time handshake.
package identity

import (
	"errors"
	"sync/atomic"

	"primus-kiosk/internal/model"
	"primus-kiosk/internal/store"
)

var ErrIncomplete = errors.New("incomplete device credentials")

// Store exposes get/save/reset over the device identity. Save is atomic with
// respect to the three fields: the state file is rewritten in one shot, and a
// partial record reads back as absent.
//
// Revision increments on every reset so long-running consumers (the command
// channel) can notice that their credentials were invalidated underneath them.
type Store struct {
	state    *store.Store
	revision atomic.Int64
}

func New(state *store.Store) *Store {
	return &Store{state: state}
}

// Load returns the stored credentials, or false when the device has not been
// onboarded yet.
func (s *Store) Load() (model.DeviceCredentials, bool) {
	return s.state.Credentials()
}

func (s *Store) Save(creds model.DeviceCredentials) error {
	if !creds.Complete() {
		return ErrIncomplete
	}
	s.state.SetCredentials(creds)
	return nil
}

// Reset erases the triple and bumps the revision; the command channel must
// stop and the device re-onboard before signing anything again.
func (s *Store) Reset() {
	s.state.ClearCredentials()
	s.revision.Add(1)
}

// Revision is the number of resets performed since process start.
func (s *Store) Revision() int64 {
	return s.revision.Load()
}
