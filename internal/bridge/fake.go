package bridge

import "sync"

// Fake records calls and returns scripted errors. Used by dispatcher and
// channel tests.
type Fake struct {
	mu    sync.Mutex
	calls []string

	FingerprintValue string
	Errs             map[string]error
}

func NewFake() *Fake {
	return &Fake{FingerprintValue: "fake-fingerprint", Errs: make(map[string]error)}
}

func (f *Fake) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.Errs[name]
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) Fingerprint() (string, error) {
	if err := f.record("fingerprint"); err != nil {
		return "", err
	}
	return f.FingerprintValue, nil
}

func (f *Fake) Lock() error           { return f.record("lock") }
func (f *Fake) Shutdown() error       { return f.record("shutdown") }
func (f *Fake) Restart() error        { return f.record("restart") }
func (f *Fake) Logoff() error         { return f.record("logoff") }
func (f *Fake) CancelShutdown() error { return f.record("cancel_shutdown") }

func (f *Fake) ShowNotification(title, body string) error {
	return f.record("notify:" + title)
}
