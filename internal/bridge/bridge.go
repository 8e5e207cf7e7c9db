// Package bridge abstracts the native OS surface the agent drives: power
// control, workstation locking, notifications, and hardware fingerprinting.
// One concrete implementation is selected at startup and injected everywhere
// it is needed; nothing probes for a host environment per call.
package bridge

// Native is the capability set consumed by the command dispatcher and the
// handshake flow.
type Native interface {
	Fingerprint() (string, error)
	Lock() error
	Shutdown() error
	Restart() error
	Logoff() error
	CancelShutdown() error
	ShowNotification(title, body string) error
}
