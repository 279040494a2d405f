package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
)

// EventType discriminates Session events.
type EventType string

const (
	EventState       EventType = "state"
	EventNotice      EventType = "notice"
	EventChat        EventType = "chat"
	EventRemoteTrack EventType = "remote-track"
	EventMedia       EventType = "media"
)

// Notice codes surfaced to the UI. All of them are user-visible; none are
// fatal to the engine.
const (
	NoticePermissionDenied  = "permission-denied"
	NoticeTimeout           = "timeout"
	NoticeDeclined          = "declined"
	NoticeEnded             = "ended"
	NoticeCallFailed        = "call-failed"
	NoticeConnectionLost    = "connection-lost"
	NoticeScreenShareFailed = "screen-share-failed"
)

// Notice is a user-visible notification attached to a transition.
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ChatMessage is one in-call text message. Session-scoped, in memory only.
type ChatMessage struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"` // Unix milliseconds
}

// Event is what the Session surfaces to its subscribers (the UI layer).
type Event struct {
	Type   EventType          `json:"type"`
	State  State              `json:"-"`
	Notice *Notice            `json:"notice,omitempty"`
	Chat   *ChatMessage       `json:"chat,omitempty"`
	Media  *media.State       `json:"media,omitempty"`
	Track  *webrtc.TrackRemote `json:"-"`
}

// Status is a point-in-time snapshot of a session for the UI surface.
type Status struct {
	ConversationID string      `json:"conversation_id"`
	LocalID        string      `json:"local_id"`
	RemoteID       string      `json:"remote_id"`
	State          string      `json:"state"`
	Caller         bool        `json:"caller"`
	StartedAt      time.Time   `json:"started_at,omitzero"`
	ConnectedAt    time.Time   `json:"connected_at,omitzero"`
	DurationMs     int64       `json:"duration_ms"`
	Media          media.State `json:"media"`
}
