package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/signal"
)

// sessionDeps is everything a session needs from the outside world.
type sessionDeps struct {
	sig           Signaler
	guard         MediaGuard
	factory       NegotiatorFactory
	inviteTimeout time.Duration
	onClosed      func(conversationID string)
}

// Session owns one call between the local participant and exactly one
// remote participant. All state is scoped to the instance; every external
// input — signaling envelopes, connection events, timers, user intents —
// funnels into guarded transitions, and inputs that are not valid in the
// current state are dropped without side effects.
type Session struct {
	conversationID string
	localID        string
	remoteID       string
	deps           sessionDeps

	mu          sync.Mutex
	state       State
	inflight    bool // an intent's async step (media, negotiator) is pending
	caller      bool // offer-initiator
	startedAt   time.Time
	connectedAt time.Time
	neg         Negotiator
	inviteTimer *time.Timer
	endReceived bool
	chatLog     []ChatMessage

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

func newSession(conversationID, localID, remoteID string, deps sessionDeps) *Session {
	return &Session{
		conversationID: conversationID,
		localID:        localID,
		remoteID:       remoteID,
		deps:           deps,
		state:          StateIdle,
		listeners:      make(map[chan Event]struct{}),
	}
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) RemoteID() string       { return s.remoteID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a point-in-time snapshot for the UI surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ConversationID: s.conversationID,
		LocalID:        s.localID,
		RemoteID:       s.remoteID,
		State:          s.state.String(),
		Caller:         s.caller,
		StartedAt:      s.startedAt,
		ConnectedAt:    s.connectedAt,
	}
	if s.neg != nil {
		if c := s.neg.Controller(); c != nil {
			st.Media = c.State()
		}
	}
	if !s.connectedAt.IsZero() {
		st.DurationMs = time.Since(s.connectedAt).Milliseconds()
	}
	return st
}

// Subscribe returns a channel of session events and a cancel function.
// Slow consumers lose events rather than stalling the engine.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) emit(ev Event) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			log.Debugw("event listener full, dropping", "conversation", s.conversationID, "type", ev.Type)
		}
	}
}

func (s *Session) emitState(state State) {
	s.emit(Event{Type: EventState, State: state})
}

func (s *Session) emitNotice(code, message string) {
	s.emit(Event{Type: EventNotice, Notice: &Notice{Code: code, Message: message}})
}

// ── Intents ──────────────────────────────────────────────────────────────────

// Start places an outbound call: acquire media, publish the invite and ring
// until the remote accepts, declines, or the invite times out.
func (s *Session) Start() error {
	if s.remoteID == "" {
		return ErrNoRemoteParticipant
	}

	s.mu.Lock()
	if s.state != StateIdle || s.inflight {
		s.mu.Unlock()
		return ErrBusy
	}
	s.inflight = true
	s.mu.Unlock()

	neg, err := s.acquireAndBuild()
	if err != nil {
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
		s.finish()
		return err
	}

	s.mu.Lock()
	s.neg = neg
	s.caller = true
	s.state = StateCalling
	s.startedAt = time.Now()
	s.inflight = false
	s.inviteTimer = time.AfterFunc(s.deps.inviteTimeout, s.onInviteTimeout)
	s.mu.Unlock()

	s.publishEnv(signal.NewControl(signal.KindInvite, s.conversationID, s.localID, s.remoteID))
	log.Infow("calling", "conversation", s.conversationID, "remote", s.remoteID)
	s.emitState(StateCalling)
	return nil
}

// Accept answers an incoming (ringing) call: acquire media, publish accept
// and wait for the caller's offer.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.inflight {
		s.mu.Unlock()
		return ErrBusy
	}
	s.inflight = true
	s.mu.Unlock()

	neg, err := s.acquireAndBuild()
	if err != nil {
		// The caller must not ring forever: denial becomes a decline. The
		// session itself resets to idle like any other rejected ring.
		s.publishEnv(signal.NewDecline(s.conversationID, s.localID, s.remoteID, "media unavailable"))
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
		s.teardown(false, nil)
		return err
	}

	s.mu.Lock()
	s.neg = neg
	s.caller = false
	s.state = StateConnecting
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.inflight = false
	s.mu.Unlock()

	s.publishEnv(signal.NewControl(signal.KindAccept, s.conversationID, s.localID, s.remoteID))
	log.Infow("accepted", "conversation", s.conversationID, "remote", s.remoteID)
	s.emitState(StateConnecting)
	return nil
}

// acquireAndBuild runs the guard and the negotiator factory, translating
// failures into notices. Called outside the state lock: both steps block.
func (s *Session) acquireAndBuild() (Negotiator, error) {
	status := s.deps.guard.Request()
	if !status.Granted() {
		s.emitNotice(NoticePermissionDenied, describeAccess(status))
		return nil, fmt.Errorf("%w: %s", ErrMediaDenied, status.State)
	}

	neg, err := s.deps.factory(s.conversationID, s.handleConn)
	if err != nil {
		s.emitNotice(NoticeCallFailed, err.Error())
		return nil, fmt.Errorf("call: negotiator: %w", err)
	}
	if c := neg.Controller(); c != nil {
		c.SetOnState(func(st media.State) {
			s.emit(Event{Type: EventMedia, Media: &st})
		})
	}
	return neg, nil
}

// ring transitions a fresh session to ringing for a remote invite. No
// media is acquired until the user accepts.
func (s *Session) ring() bool {
	s.mu.Lock()
	if s.state != StateIdle || s.inflight {
		s.mu.Unlock()
		return false
	}
	s.state = StateRinging
	s.mu.Unlock()
	s.emitState(StateRinging)
	return true
}

// Decline rejects a ringing call.
func (s *Session) Decline(reason string) error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.mu.Unlock()

	s.publishEnv(signal.NewDecline(s.conversationID, s.localID, s.remoteID, reason))
	s.teardown(false, nil)
	return nil
}

// End hangs up. Idempotent: repeated calls (or End racing a remote end)
// perform exactly one cleanup.
func (s *Session) End() {
	s.teardown(true, &Notice{Code: NoticeEnded})
}

func (s *Session) onInviteTimeout() {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	log.Infow("invite timed out", "conversation", s.conversationID)
	s.teardown(true, &Notice{Code: NoticeTimeout, Message: "no answer"})
}

// ── Signaling input ──────────────────────────────────────────────────────────

// handleEnvelope routes one validated, addressed envelope through the state
// machine. Envelope kinds are matched exhaustively; a kind arriving in a
// state where it is not valid is dropped.
func (s *Session) handleEnvelope(env *signal.Envelope) {
	switch env.Kind {
	case signal.KindInvite:
		// Invites for a fresh conversation create the session (manager);
		// an invite reaching an existing session is glare or replay.
		s.handleGlareInvite()

	case signal.KindAccept:
		s.onAccept()

	case signal.KindDecline:
		s.onDecline(env.Reason)

	case signal.KindEnd:
		s.onRemoteEnd()

	case signal.KindOffer:
		s.onOffer(env.SDP)

	case signal.KindAnswer:
		s.onAnswer(env.SDP)

	case signal.KindICECandidate:
		s.onCandidate(env)

	case signal.KindChat:
		s.onChat(env)
	}
}

// handleGlareInvite resolves simultaneous bidirectional call attempts
// deterministically: the participant with the lexicographically lower ID
// keeps its outgoing attempt and ignores the remote invite; the other side
// cancels its attempt and rings instead. Returns true when this side
// yielded (the caller should surface an incoming-call prompt).
func (s *Session) handleGlareInvite() bool {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return false
	}
	if s.localID < s.remoteID {
		s.mu.Unlock()
		log.Debugw("glare: keeping outgoing attempt", "conversation", s.conversationID)
		return false
	}

	s.stopInviteTimerLocked()
	neg := s.neg
	s.neg = nil
	s.caller = false
	s.state = StateRinging
	s.mu.Unlock()

	// Media is released until the user actually accepts.
	if neg != nil {
		_ = neg.Close()
	}
	log.Infow("glare: yielding to remote invite", "conversation", s.conversationID)
	s.emitState(StateRinging)
	return true
}

func (s *Session) onAccept() {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	s.stopInviteTimerLocked()
	s.state = StateConnecting
	neg := s.neg
	s.mu.Unlock()

	s.emitState(StateConnecting)

	// Caller is the offer-initiator.
	sdp, err := neg.CreateOffer()
	if err != nil {
		s.failNegotiation("create offer", err)
		return
	}
	s.publishEnv(signal.NewDescription(signal.KindOffer, s.conversationID, s.localID, s.remoteID, sdp))
}

func (s *Session) onDecline(reason string) {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.teardown(false, &Notice{Code: NoticeDeclined, Message: reason})
}

func (s *Session) onRemoteEnd() {
	s.mu.Lock()
	active := s.state == StateCalling || s.state == StateRinging ||
		s.state == StateConnecting || s.state == StateConnected
	if !active {
		s.mu.Unlock()
		return
	}
	s.endReceived = true
	s.mu.Unlock()
	s.teardown(false, &Notice{Code: NoticeEnded, Message: "remote ended the call"})
}

func (s *Session) onOffer(sdp string) {
	s.mu.Lock()
	if s.state != StateConnecting || s.caller {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	s.mu.Unlock()

	if err := neg.ApplyRemoteDescription(signal.KindOffer, sdp); err != nil {
		if err == ErrDuplicateDescription {
			return // replay
		}
		s.failNegotiation("apply offer", err)
		return
	}
	answer, err := neg.CreateAnswer()
	if err != nil {
		s.failNegotiation("create answer", err)
		return
	}
	s.publishEnv(signal.NewDescription(signal.KindAnswer, s.conversationID, s.localID, s.remoteID, answer))
}

func (s *Session) onAnswer(sdp string) {
	s.mu.Lock()
	if s.state != StateConnecting || !s.caller {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	s.mu.Unlock()

	if err := neg.ApplyRemoteDescription(signal.KindAnswer, sdp); err != nil {
		if err == ErrDuplicateDescription {
			return // replay
		}
		s.failNegotiation("apply answer", err)
	}
}

func (s *Session) onCandidate(env *signal.Envelope) {
	s.mu.Lock()
	if (s.state != StateConnecting && s.state != StateConnected) || s.neg == nil {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	s.mu.Unlock()

	// Candidate loss and rejection are non-fatal: ICE keeps trying the rest.
	if err := neg.AddRemoteCandidate(*env.Candidate); err != nil {
		log.Debugw("add remote candidate", "conversation", s.conversationID, "err", err)
	}
}

// ── Connection events ────────────────────────────────────────────────────────

// handleConn consumes the negotiation engine's event stream.
func (s *Session) handleConn(ev connEvent) {
	switch ev.kind {
	case connLocalCandidate:
		s.mu.Lock()
		active := s.state == StateCalling || s.state == StateConnecting || s.state == StateConnected
		s.mu.Unlock()
		if active {
			s.publishEnv(signal.NewCandidate(s.conversationID, s.localID, s.remoteID, *ev.candidate))
		}

	case connConnected:
		s.mu.Lock()
		if s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.connectedAt = time.Now()
		s.mu.Unlock()
		log.Infow("connected", "conversation", s.conversationID, "remote", s.remoteID)
		s.emitState(StateConnected)

	case connRemoteTrack:
		s.emit(Event{Type: EventRemoteTrack, Track: ev.track})

	case connFailed:
		s.mu.Lock()
		active := s.state == StateCalling || s.state == StateConnecting || s.state == StateConnected
		s.mu.Unlock()
		if !active {
			return
		}
		log.Warnw("connection failed", "conversation", s.conversationID, "reason", ev.reason)
		s.teardown(true, &Notice{Code: NoticeConnectionLost, Message: ev.reason})

	case connClosed:
		// Normally the tail end of our own teardown; anything else is an
		// underlying close we did not initiate.
		s.mu.Lock()
		active := s.state == StateConnecting || s.state == StateConnected
		s.mu.Unlock()
		if active {
			s.teardown(false, &Notice{Code: NoticeConnectionLost, Message: "connection closed"})
		}
	}
}

func (s *Session) failNegotiation(stage string, err error) {
	log.Warnw("negotiation failed", "conversation", s.conversationID, "stage", stage, "err", err)
	s.teardown(true, &Notice{Code: NoticeCallFailed, Message: stage + ": " + err.Error()})
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// teardown releases everything and resets the session to idle. It is the
// single cleanup path for every way a call can end, and runs exactly once:
// local media is stopped once, the connection closed once, at most one end
// envelope published.
func (s *Session) teardown(publishEnd bool, notice *Notice) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.stopInviteTimerLocked()
	neg := s.neg
	s.neg = nil
	endReceived := s.endReceived
	s.chatLog = nil
	s.mu.Unlock()

	if neg != nil {
		_ = neg.Close()
	}
	if publishEnd && !endReceived {
		s.publishEnv(signal.NewControl(signal.KindEnd, s.conversationID, s.localID, s.remoteID))
	}

	s.mu.Lock()
	s.state = StateIdle
	s.startedAt = time.Time{}
	s.connectedAt = time.Time{}
	s.mu.Unlock()

	if notice != nil {
		s.emit(Event{Type: EventNotice, Notice: notice})
	}
	s.emitState(StateIdle)
	log.Infow("call ended", "conversation", s.conversationID)
	s.finish()
}

// finish tells the manager this session is done.
func (s *Session) finish() {
	if s.deps.onClosed != nil {
		s.deps.onClosed(s.conversationID)
	}
}

func (s *Session) stopInviteTimerLocked() {
	if s.inviteTimer != nil {
		s.inviteTimer.Stop()
		s.inviteTimer = nil
	}
}

func (s *Session) publishEnv(env *signal.Envelope) {
	if err := s.deps.sig.Publish(env); err != nil {
		log.Warnw("publish failed", "conversation", s.conversationID, "kind", env.Kind, "err", err)
	}
}

func describeAccess(status media.AccessStatus) string {
	if status.Reason != "" {
		return status.State.String() + ": " + status.Reason
	}
	return status.State.String()
}
