package call

import (
	"github.com/duocall/duocall/internal/signal"
)

// SendChat publishes an ephemeral text message on the call's signaling
// topic. Best-effort, session-scoped, never persisted; the log is cleared
// when the call ends.
func (s *Session) SendChat(text string) (ChatMessage, error) {
	if text == "" {
		return ChatMessage{}, ErrInvalidState
	}
	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateConnected {
		s.mu.Unlock()
		return ChatMessage{}, ErrInvalidState
	}
	s.mu.Unlock()

	env := signal.NewChat(s.conversationID, s.localID, s.remoteID, text)
	s.publishEnv(env)

	msg := ChatMessage{ID: env.ID, From: s.localID, Text: text, SentAt: env.SentAt}
	s.appendChat(msg)
	return msg, nil
}

// onChat handles a received chat envelope.
func (s *Session) onChat(env *signal.Envelope) {
	s.mu.Lock()
	active := s.state == StateConnecting || s.state == StateConnected
	s.mu.Unlock()
	if !active {
		return
	}
	s.appendChat(ChatMessage{ID: env.ID, From: env.From, Text: env.Text, SentAt: env.SentAt})
}

func (s *Session) appendChat(msg ChatMessage) {
	s.mu.Lock()
	s.chatLog = append(s.chatLog, msg)
	s.mu.Unlock()
	s.emit(Event{Type: EventChat, Chat: &msg})
}

// Messages returns a copy of the in-call chat log.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.chatLog))
	copy(out, s.chatLog)
	return out
}
