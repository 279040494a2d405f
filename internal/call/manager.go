package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/signal"
)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	InviteTimeout     time.Duration
	DisconnectedGrace time.Duration
	STUNServers       []string

	// Guard and Factory are swappable for tests.
	Guard   MediaGuard
	Factory NegotiatorFactory
}

// IncomingCall is the prompt surfaced when a remote invite arrives.
type IncomingCall struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
}

// Manager owns the active sessions and bridges the signaling relay to them.
// One session per conversation; the manager routes every envelope of a
// watched conversation into the session's state machine and surfaces
// incoming invites to subscribers.
type Manager struct {
	sig    Signaler
	selfID string
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*Session
	watched  map[string]bool
	closed   bool

	incomingMu sync.RWMutex
	incoming   map[chan IncomingCall]struct{}
}

// New creates a Manager for the local participant selfID.
func New(sig Signaler, selfID string, opts Options) *Manager {
	if opts.InviteTimeout == 0 {
		opts.InviteTimeout = 30 * time.Second
	}
	if opts.DisconnectedGrace == 0 {
		opts.DisconnectedGrace = 5 * time.Second
	}
	if len(opts.STUNServers) == 0 {
		opts.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if opts.Guard == nil {
		opts.Guard = media.NewGuard()
	}
	m := &Manager{
		sig:      sig,
		selfID:   selfID,
		opts:     opts,
		sessions: make(map[string]*Session),
		watched:  make(map[string]bool),
		incoming: make(map[chan IncomingCall]struct{}),
	}
	if m.opts.Factory == nil {
		m.opts.Factory = func(conversationID string, emit func(connEvent)) (Negotiator, error) {
			return newPionNegotiator(conversationID, m.opts.STUNServers, m.opts.DisconnectedGrace, emit)
		}
	}
	return m
}

// WatchConversation subscribes to a conversation's signaling topic so that
// invites (and all other envelopes) for it are delivered. One subscription
// per conversation; re-watching is a no-op at this level because the relay
// replaces the previous subscription.
func (m *Manager) WatchConversation(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("call: empty conversation id")
	}
	if err := m.sig.Subscribe(conversationID, func(env *signal.Envelope) {
		m.dispatch(env)
	}); err != nil {
		return fmt.Errorf("call: watch %s: %w", conversationID, err)
	}
	m.mu.Lock()
	m.watched[conversationID] = true
	m.mu.Unlock()
	return nil
}

// UnwatchConversation ends any active call on the conversation and stops
// delivery. Idempotent.
func (m *Manager) UnwatchConversation(conversationID string) {
	if sess, ok := m.GetSession(conversationID); ok {
		sess.End()
	}
	m.sig.Unsubscribe(conversationID)
	m.mu.Lock()
	delete(m.watched, conversationID)
	m.mu.Unlock()
}

// StartCall places an outbound call. remoteID must be resolved by the
// caller — starting a call without a remote participant is a contract
// violation.
func (m *Manager) StartCall(conversationID, remoteID string) (*Session, error) {
	if remoteID == "" {
		return nil, ErrNoRemoteParticipant
	}
	if remoteID == m.selfID {
		return nil, fmt.Errorf("%w: cannot call self", ErrNoRemoteParticipant)
	}
	if err := m.WatchConversation(conversationID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("call: manager closed")
	}
	if _, exists := m.sessions[conversationID]; exists {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	sess := m.newSessionLocked(conversationID, remoteID)
	m.sessions[conversationID] = sess
	m.mu.Unlock()

	if err := sess.Start(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Accept answers the ringing call on conversationID.
func (m *Manager) Accept(conversationID string) (*Session, error) {
	sess, ok := m.GetSession(conversationID)
	if !ok {
		return nil, ErrInvalidState
	}
	if err := sess.Accept(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Decline rejects the ringing call on conversationID.
func (m *Manager) Decline(conversationID, reason string) error {
	sess, ok := m.GetSession(conversationID)
	if !ok {
		return ErrInvalidState
	}
	return sess.Decline(reason)
}

// End hangs up the call on conversationID, if any. Idempotent.
func (m *Manager) End(conversationID string) {
	if sess, ok := m.GetSession(conversationID); ok {
		sess.End()
	}
}

// GetSession returns the active session for conversationID, if any.
func (m *Manager) GetSession(conversationID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// AllSessions snapshots the active sessions.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SubscribeIncoming returns a channel of incoming-call prompts. Slow
// consumers lose prompts rather than blocking dispatch.
func (m *Manager) SubscribeIncoming() chan IncomingCall {
	ch := make(chan IncomingCall, 8)
	m.incomingMu.Lock()
	m.incoming[ch] = struct{}{}
	m.incomingMu.Unlock()
	return ch
}

// UnsubscribeIncoming removes and closes ch. Idempotent.
func (m *Manager) UnsubscribeIncoming(ch chan IncomingCall) {
	m.incomingMu.Lock()
	if _, ok := m.incoming[ch]; ok {
		delete(m.incoming, ch)
		close(ch)
	}
	m.incomingMu.Unlock()
}

// Close ends every active call and drops every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	watched := make([]string, 0, len(m.watched))
	for id := range m.watched {
		watched = append(watched, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	for _, id := range watched {
		m.sig.Unsubscribe(id)
	}
}

func (m *Manager) newSessionLocked(conversationID, remoteID string) *Session {
	return newSession(conversationID, m.selfID, remoteID, sessionDeps{
		sig:           m.sig,
		guard:         m.opts.Guard,
		factory:       m.opts.Factory,
		inviteTimeout: m.opts.InviteTimeout,
		onClosed:      m.removeSession,
	})
}

func (m *Manager) removeSession(conversationID string) {
	m.mu.Lock()
	delete(m.sessions, conversationID)
	m.mu.Unlock()
}

// dispatch routes one envelope. Invites may create a ringing session; every
// other kind goes to the existing session or is dropped.
func (m *Manager) dispatch(env *signal.Envelope) {
	if env.Kind == signal.KindInvite {
		m.onInvite(env)
		return
	}

	m.mu.RLock()
	sess, ok := m.sessions[env.ConversationID]
	m.mu.RUnlock()
	if !ok {
		log.Debugw("dropping envelope for inactive conversation", "conversation", env.ConversationID, "kind", env.Kind)
		return
	}
	sess.handleEnvelope(env)
}

func (m *Manager) onInvite(env *signal.Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	sess, exists := m.sessions[env.ConversationID]
	if !exists {
		sess = m.newSessionLocked(env.ConversationID, env.From)
		m.sessions[env.ConversationID] = sess
	}
	m.mu.Unlock()

	if exists {
		// Glare or replayed invite — the session decides.
		if sess.handleGlareInvite() {
			m.fireIncoming(env)
		}
		return
	}

	if !sess.ring() {
		m.removeSession(env.ConversationID)
		return
	}
	log.Infow("incoming call", "conversation", env.ConversationID, "from", env.From)
	m.fireIncoming(env)
}

func (m *Manager) fireIncoming(env *signal.Envelope) {
	ic := IncomingCall{ConversationID: env.ConversationID, From: env.From}
	m.incomingMu.RLock()
	defer m.incomingMu.RUnlock()
	for ch := range m.incoming {
		select {
		case ch <- ic:
		default:
			log.Debugw("incoming listener full, dropping prompt", "conversation", ic.ConversationID)
		}
	}
}
