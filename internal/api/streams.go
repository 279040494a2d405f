package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/duocall/duocall/internal/call"
	"github.com/duocall/duocall/internal/media"
)

// wireEvent is the SSE/WebSocket shape of a session event. Remote tracks
// carry only their identity; the media itself never crosses this surface.
type wireEvent struct {
	Type   call.EventType    `json:"type"`
	State  string            `json:"state,omitempty"`
	Notice *call.Notice      `json:"notice,omitempty"`
	Chat   *call.ChatMessage `json:"chat,omitempty"`
	Media  *media.State      `json:"media,omitempty"`
	Track  *wireTrack        `json:"track,omitempty"`
}

type wireTrack struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

func toWire(ev call.Event) wireEvent {
	out := wireEvent{Type: ev.Type, Notice: ev.Notice, Chat: ev.Chat, Media: ev.Media}
	if ev.Type == call.EventState {
		out.State = ev.State.String()
	}
	if ev.Track != nil {
		out.Track = &wireTrack{ID: ev.Track.ID(), Kind: ev.Track.Kind().String()}
	}
	return out
}

func (s *Server) registerStreams(mux *http.ServeMux) {
	// GET /api/call/events — SSE stream of incoming-call prompts. The UI
	// keeps one of these open for the lifetime of the app.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := s.mgr.SubscribeIncoming()
		defer s.mgr.UnsubscribeIncoming(ch)

		keepalive := time.NewTicker(25 * time.Second)
		defer keepalive.Stop()

		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ic, open := <-ch:
				if !open {
					return
				}
				sseWrite(w, "incoming", ic)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{conversation}/events — SSE stream of one
	// session's events: state transitions, notices, chat, media flags,
	// remote track arrivals.
	handleGet(mux, "/api/call/session/{conversation}/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sess, ok := s.mgr.GetSession(r.PathValue("conversation"))
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		sseHeaders(w)

		events, cancel := sess.Subscribe()
		defer cancel()

		// Snapshot first so a late subscriber still sees the current state.
		sseWrite(w, "status", sess.Status())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				sseWrite(w, "event", toWire(ev))
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{conversation}/chat — WebSocket for in-call
	// chat: the backlog on connect, then live messages both ways.
	handleGet(mux, "/api/call/session/{conversation}/chat", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.mgr.GetSession(r.PathValue("conversation"))
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugw("chat upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		for _, msg := range sess.Messages() {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}

		events, cancel := sess.Subscribe()

		// Writer: forward chat events until the session ends or the
		// client goes away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				if ev.Type != call.EventChat || ev.Chat == nil {
					continue
				}
				if err := conn.WriteJSON(ev.Chat); err != nil {
					return
				}
			}
		}()

		// Reader: accept {"text": "..."} frames and publish them.
		for {
			var req struct {
				Text string `json:"text"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				break
			}
			if _, err := sess.SendChat(req.Text); err != nil {
				log.Debugw("chat send rejected", "conversation", sess.ConversationID(), "err", err)
			}
		}
		cancel()
		<-done
	})
}

func sseWrite(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Debugw("marshal sse payload", "err", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
