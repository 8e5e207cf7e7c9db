package model

import "encoding/json"

// DeviceCredentials is the persisted identity triple issued by the one-time
// handshake. Signing requires all three fields; a record missing any of them
// is treated as no identity at all.
type DeviceCredentials struct {
	PCID         int    `json:"pc_id"`
	LicenseKey   string `json:"license_key"`
	DeviceSecret string `json:"device_secret"`
}

func (c DeviceCredentials) Complete() bool {
	return c.PCID > 0 && c.LicenseKey != "" && c.DeviceSecret != ""
}

// AckState is a client-observed command lifecycle state reported to the server.
type AckState string

const (
	AckRunning   AckState = "RUNNING"
	AckSucceeded AckState = "SUCCEEDED"
	AckFailed    AckState = "FAILED"
)

// Command is a server-pushed unit of work delivered by the pull loop.
// Params is kept raw: the server sends either a JSON object or a bare string
// depending on the command.
type Command struct {
	ID      int64           `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// ParamsValue decodes Params as JSON when possible and falls back to the raw
// text otherwise.
func (c Command) ParamsValue() any {
	if len(c.Params) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(c.Params, &v); err != nil {
		return string(c.Params)
	}
	return v
}

// LockState is set by inbound lock/unlock commands and consumed by the UI
// overlay through the bridge server.
type LockState struct {
	Locked  bool   `json:"locked"`
	Message string `json:"message,omitempty"`
}

// TimeSnapshot is the persisted remaining-time state written after every
// server-origin update so a restart resumes an approximation.
type TimeSnapshot struct {
	RemainingSeconds int   `json:"remainingSeconds"`
	SavedAt          int64 `json:"savedAt"`
}

// Event is an in-app message published on the event bus: event-class commands
// from the server, lock transitions, connection changes, and reconciler
// warnings all flow through it.
type Event struct {
	Type    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Event types published by the agent itself, alongside the server's
// event-class command names (chat.message, pc.time.update, shop.purchase,
// notification, message).
const (
	EventLock       = "lock"
	EventUnlock     = "unlock"
	EventConnection = "connection"
	EventTimeLow    = "time.low"
	EventTimeUp     = "time.expired"
	EventShutdown   = "shutdown"
	EventRestart    = "restart"
	EventLogoff     = "logoff"
	EventLogin      = "login"
	EventScreenshot = "screenshot"
)

// ChatMessage is a cached chat.message payload served back to the UI.
type ChatMessage struct {
	ID         string `json:"id"`
	PCID       int    `json:"pcId,omitempty"`
	FromUserID int    `json:"fromUserId,omitempty"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	Unread     bool   `json:"unread"`
}

// OfflineQueueItem is a mutating request captured while the backend was
// unreachable, replayed verbatim on flush.
type OfflineQueueItem struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
	AddedAt int64             `json:"addedAt"`
}
