// Package api exposes the call engine over a local HTTP surface: JSON
// intents for the call and media controls, SSE streams for session events
// and incoming-call prompts, and a WebSocket for in-call chat.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/duocall/duocall/internal/call"
	"github.com/duocall/duocall/internal/media"
)

var log = logging.Logger("api")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The surface binds to loopback only; any local origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AccessGuard is the media-permission surface exposed over HTTP.
// Satisfied by *media.Guard.
type AccessGuard interface {
	Status() media.AccessStatus
	Request() media.AccessStatus
}

// Server wires the call manager and the media guard to HTTP handlers.
type Server struct {
	mgr   *call.Manager
	guard AccessGuard
}

func NewServer(mgr *call.Manager, guard AccessGuard) *Server {
	return &Server{mgr: mgr, guard: guard}
}

// Register mounts every endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	s.registerMedia(mux)
	s.registerCall(mux)
	s.registerStreams(mux)
}

func (s *Server) registerMedia(mux *http.ServeMux) {
	// GET /api/media/access — last known device access state, no probing.
	handleGet(mux, "/api/media/access", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.guard.Status())
	})

	// POST /api/media/access/request — probe devices now. This is what the
	// UI calls before showing a call button.
	handlePost(mux, "/api/media/access/request", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, s.guard.Request())
	})
}

func (s *Server) registerCall(mux *http.ServeMux) {
	// GET /api/call/debug — live session status for testing without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		sessions := s.mgr.AllSessions()
		statuses := make([]call.Status, 0, len(sessions))
		for _, sess := range sessions {
			statuses = append(statuses, sess.Status())
		}
		writeJSON(w, map[string]any{
			"session_count": len(statuses),
			"sessions":      statuses,
		})
	})

	// POST /api/call/watch — subscribe to a conversation's signaling topic
	// so invites for it are delivered while its view is open.
	handlePost(mux, "/api/call/watch", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if err := s.mgr.WatchConversation(req.ConversationID); err != nil {
			http.Error(w, fmt.Sprintf("watch failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "watching", "conversation_id": req.ConversationID})
	})

	// POST /api/call/unwatch
	handlePost(mux, "/api/call/unwatch", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		s.mgr.UnwatchConversation(req.ConversationID)
		writeJSON(w, map[string]string{"status": "unwatched", "conversation_id": req.ConversationID})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		RemoteID       string `json:"remote_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		sess, err := s.mgr.StartCall(req.ConversationID, req.RemoteID)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, err := s.mgr.Accept(req.ConversationID)
		if err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Reason         string `json:"reason"`
	}) {
		if err := s.mgr.Decline(req.ConversationID, req.Reason); err != nil {
			http.Error(w, fmt.Sprintf("decline failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/end — idempotent hangup.
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		s.mgr.End(req.ConversationID)
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := s.mgr.GetSession(req.ConversationID)
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		enabled, err := sess.ToggleAudio()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle audio failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, map[string]any{"audio_enabled": enabled})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := s.mgr.GetSession(req.ConversationID)
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		enabled, err := sess.ToggleVideo()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle video failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, map[string]any{"video_enabled": enabled})
	})

	// POST /api/call/screen-share/start
	handlePost(mux, "/api/call/screen-share/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := s.mgr.GetSession(req.ConversationID)
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		if err := sess.StartScreenShare(); err != nil {
			http.Error(w, fmt.Sprintf("screen share failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, sess.MediaState())
	})

	// POST /api/call/screen-share/stop
	handlePost(mux, "/api/call/screen-share/stop", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := s.mgr.GetSession(req.ConversationID)
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		if err := sess.StopScreenShare(); err != nil {
			http.Error(w, fmt.Sprintf("stop screen share failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, sess.MediaState())
	})

	// POST /api/call/chat
	handlePost(mux, "/api/call/chat", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}) {
		sess, ok := s.mgr.GetSession(req.ConversationID)
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		msg, err := sess.SendChat(req.Text)
		if err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), callStatusCode(err))
			return
		}
		writeJSON(w, msg)
	})
}

// callStatusCode maps engine errors onto HTTP status codes.
func callStatusCode(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, call.ErrMediaDenied):
		return http.StatusForbidden
	case errors.Is(err, call.ErrNoRemoteParticipant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
