package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/signal"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu        sync.Mutex
	published []*signal.Envelope
	subs      map[string]func(*signal.Envelope)
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{subs: make(map[string]func(*signal.Envelope))}
}

func (f *fakeSignaler) Publish(env *signal.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
	return nil
}

func (f *fakeSignaler) Subscribe(conversationID string, fn func(*signal.Envelope)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[conversationID] = fn
	return nil
}

func (f *fakeSignaler) Unsubscribe(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, conversationID)
}

func (f *fakeSignaler) kinds() []signal.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Kind, 0, len(f.published))
	for _, env := range f.published {
		out = append(out, env.Kind)
	}
	return out
}

func (f *fakeSignaler) count(kind signal.Kind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) last(kind signal.Kind) *signal.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].Kind == kind {
			return f.published[i]
		}
	}
	return nil
}

type fakeGuard struct{ status media.AccessStatus }

func (g fakeGuard) Request() media.AccessStatus { return g.status }

func granted() fakeGuard {
	return fakeGuard{status: media.AccessStatus{State: media.AccessGranted}}
}

func denied(reason string) fakeGuard {
	return fakeGuard{status: media.AccessStatus{State: media.AccessDenied, Reason: reason}}
}

type fakeNegotiator struct {
	mu         sync.Mutex
	offers     int
	answers    int
	applied    map[signal.Kind]bool
	candidates []webrtc.ICECandidateInit
	closeCount int
	emit       func(connEvent)
}

func (n *fakeNegotiator) CreateOffer() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	return "v=0 offer", nil
}

func (n *fakeNegotiator) CreateAnswer() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.applied[signal.KindOffer] {
		return "", errors.New("no remote offer")
	}
	n.answers++
	return "v=0 answer", nil
}

func (n *fakeNegotiator) ApplyRemoteDescription(kind signal.Kind, sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applied == nil {
		n.applied = make(map[signal.Kind]bool)
	}
	if n.applied[kind] {
		return ErrDuplicateDescription
	}
	n.applied[kind] = true
	return nil
}

func (n *fakeNegotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *fakeNegotiator) Controller() *media.Controller { return nil }

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeCount++
	return nil
}

func (n *fakeNegotiator) closed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closeCount
}

// connected delivers the connection-established event to the session.
func (n *fakeNegotiator) connected() { n.emit(connEvent{kind: connConnected}) }

// ── Harness ──────────────────────────────────────────────────────────────────

type sessionFixture struct {
	sess   *Session
	sig    *fakeSignaler
	neg    *fakeNegotiator
	closed chan string
}

func newFixture(t *testing.T, localID, remoteID string, guard MediaGuard) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		sig:    newFakeSignaler(),
		neg:    &fakeNegotiator{},
		closed: make(chan string, 1),
	}
	f.sess = newSession("conv-1", localID, remoteID, sessionDeps{
		sig:           f.sig,
		guard:         guard,
		inviteTimeout: time.Minute,
		factory: func(conversationID string, emit func(connEvent)) (Negotiator, error) {
			f.neg.emit = emit
			return f.neg, nil
		},
		onClosed: func(id string) {
			select {
			case f.closed <- id:
			default:
			}
		},
	})
	return f
}

// envFrom builds a remote envelope addressed to the local participant.
func (f *sessionFixture) envFrom(kind signal.Kind) *signal.Envelope {
	return signal.NewControl(kind, f.sess.conversationID, f.sess.remoteID, f.sess.localID)
}

// connect drives a fresh caller session all the way to StateConnected.
func (f *sessionFixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sess.Start())
	f.sess.handleEnvelope(f.envFrom(signal.KindAccept))
	f.sess.handleEnvelope(signal.NewDescription(signal.KindAnswer,
		f.sess.conversationID, f.sess.remoteID, f.sess.localID, "v=0 answer"))
	f.neg.connected()
	require.Equal(t, StateConnected, f.sess.State())
}

// ── Caller flow ──────────────────────────────────────────────────────────────

func TestCallerHappyPath(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())

	require.NoError(t, f.sess.Start())
	require.Equal(t, StateCalling, f.sess.State())
	require.Equal(t, 1, f.sig.count(signal.KindInvite))
	inv := f.sig.last(signal.KindInvite)
	require.Equal(t, "bob", inv.To)

	// Remote accepts: we transition to connecting and send the offer.
	f.sess.handleEnvelope(f.envFrom(signal.KindAccept))
	require.Equal(t, StateConnecting, f.sess.State())
	require.Equal(t, 1, f.sig.count(signal.KindOffer))

	// Remote answers, then the connection comes up.
	f.sess.handleEnvelope(signal.NewDescription(signal.KindAnswer, "conv-1", "bob", "alice", "v=0 answer"))
	require.True(t, f.neg.applied[signal.KindAnswer])

	f.neg.connected()
	require.Equal(t, StateConnected, f.sess.State())

	st := f.sess.Status()
	assert.True(t, st.Caller)
	assert.False(t, st.ConnectedAt.IsZero())
}

func TestStartRequiresRemoteParticipant(t *testing.T) {
	f := newFixture(t, "alice", "", granted())
	require.ErrorIs(t, f.sess.Start(), ErrNoRemoteParticipant)
}

func TestStartWhileActiveIsBusy(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	require.NoError(t, f.sess.Start())
	require.ErrorIs(t, f.sess.Start(), ErrBusy)
	require.Equal(t, 1, f.sig.count(signal.KindInvite))
}

func TestStartMediaDenied(t *testing.T) {
	f := newFixture(t, "alice", "bob", denied("camera blocked"))
	events, cancel := f.sess.Subscribe()
	defer cancel()

	err := f.sess.Start()
	require.ErrorIs(t, err, ErrMediaDenied)
	require.Equal(t, StateIdle, f.sess.State())
	// No signaling happened: the remote never learns of the attempt.
	require.Empty(t, f.sig.kinds())

	ev := <-events
	require.Equal(t, EventNotice, ev.Type)
	require.Equal(t, NoticePermissionDenied, ev.Notice.Code)
	require.Contains(t, ev.Notice.Message, "camera blocked")
}

func TestRemoteDecline(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	require.NoError(t, f.sess.Start())
	events, cancel := f.sess.Subscribe()
	defer cancel()

	f.sess.handleEnvelope(signal.NewDecline("conv-1", "bob", "alice", "busy right now"))

	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 1, f.neg.closed())
	// Decline is terminal on its own; no end envelope goes out.
	require.Equal(t, 0, f.sig.count(signal.KindEnd))

	ev := <-events
	require.Equal(t, EventNotice, ev.Type)
	require.Equal(t, NoticeDeclined, ev.Notice.Code)
	require.Equal(t, "busy right now", ev.Notice.Message)
}

func TestInviteTimeout(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.sess.deps.inviteTimeout = 20 * time.Millisecond

	require.NoError(t, f.sess.Start())

	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after invite timeout")
	}
	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 1, f.sig.count(signal.KindEnd))
	require.Equal(t, 1, f.neg.closed())
}

func TestAcceptCancelsInviteTimer(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.sess.deps.inviteTimeout = 20 * time.Millisecond

	require.NoError(t, f.sess.Start())
	f.sess.handleEnvelope(f.envFrom(signal.KindAccept))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateConnecting, f.sess.State())
	require.Equal(t, 0, f.sig.count(signal.KindEnd))
}

// ── Callee flow ──────────────────────────────────────────────────────────────

func TestCalleeHappyPath(t *testing.T) {
	f := newFixture(t, "bob", "alice", granted())

	require.True(t, f.sess.ring())
	require.Equal(t, StateRinging, f.sess.State())
	// Ringing acquires nothing: no media until the user accepts.
	require.Nil(t, f.neg.emit)

	require.NoError(t, f.sess.Accept())
	require.Equal(t, StateConnecting, f.sess.State())
	require.Equal(t, 1, f.sig.count(signal.KindAccept))

	// Caller's offer arrives; we answer.
	f.sess.handleEnvelope(signal.NewDescription(signal.KindOffer, "conv-1", "alice", "bob", "v=0 offer"))
	require.Equal(t, 1, f.sig.count(signal.KindAnswer))

	f.neg.connected()
	require.Equal(t, StateConnected, f.sess.State())
	assert.False(t, f.sess.Status().Caller)
}

func TestCalleeMediaDeniedSendsDecline(t *testing.T) {
	f := newFixture(t, "bob", "alice", denied("no devices"))
	require.True(t, f.sess.ring())
	events, cancel := f.sess.Subscribe()
	defer cancel()

	require.ErrorIs(t, f.sess.Accept(), ErrMediaDenied)

	// The caller must not ring forever: denial turns into a decline.
	dec := f.sig.last(signal.KindDecline)
	require.NotNil(t, dec)
	require.Equal(t, "media unavailable", dec.Reason)

	// The session comes to rest like any other rejected ring: back to
	// idle, with the transition on the event stream, handle released.
	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, "idle", f.sess.Status().State)
	select {
	case id := <-f.closed:
		require.Equal(t, "conv-1", id)
	default:
		t.Fatal("session was not released after denied accept")
	}

	var sawIdle bool
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventState && ev.State == StateIdle {
				sawIdle = true
			}
		default:
			done = true
		}
	}
	require.True(t, sawIdle, "no idle transition emitted after denied accept")
}

func TestDecline(t *testing.T) {
	f := newFixture(t, "bob", "alice", granted())
	require.True(t, f.sess.ring())

	require.NoError(t, f.sess.Decline("not now"))
	require.Equal(t, StateIdle, f.sess.State())

	dec := f.sig.last(signal.KindDecline)
	require.NotNil(t, dec)
	require.Equal(t, "not now", dec.Reason)
	require.Equal(t, 0, f.sig.count(signal.KindEnd))
}

func TestAcceptOnlyWhileRinging(t *testing.T) {
	f := newFixture(t, "bob", "alice", granted())
	require.ErrorIs(t, f.sess.Accept(), ErrInvalidState)

	require.True(t, f.sess.ring())
	require.NoError(t, f.sess.Accept())
	require.ErrorIs(t, f.sess.Accept(), ErrInvalidState)
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	f := newFixture(t, "bob", "alice", granted())
	require.True(t, f.sess.ring())
	require.NoError(t, f.sess.Accept())

	offer := signal.NewDescription(signal.KindOffer, "conv-1", "alice", "bob", "v=0 offer")
	f.sess.handleEnvelope(offer)
	f.sess.handleEnvelope(offer) // replayed by the transport

	require.Equal(t, 1, f.sig.count(signal.KindAnswer))
	require.Equal(t, StateConnecting, f.sess.State())
}

// ── Teardown ─────────────────────────────────────────────────────────────────

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.connect(t)

	f.sess.End()
	f.sess.End()
	f.sess.handleEnvelope(f.envFrom(signal.KindEnd))

	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 1, f.neg.closed())
	require.Equal(t, 1, f.sig.count(signal.KindEnd))
}

func TestRemoteEndSuppressesOwnEndEnvelope(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.connect(t)

	f.sess.handleEnvelope(f.envFrom(signal.KindEnd))

	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 1, f.neg.closed())
	// Acknowledging a remote end with our own would bounce forever.
	require.Equal(t, 0, f.sig.count(signal.KindEnd))
}

func TestConnectionFailureTearsDown(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.connect(t)
	events, cancel := f.sess.Subscribe()
	defer cancel()

	f.neg.emit(connEvent{kind: connFailed, reason: "ice failed"})

	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 1, f.sig.count(signal.KindEnd))

	ev := <-events
	require.Equal(t, EventNotice, ev.Type)
	require.Equal(t, NoticeConnectionLost, ev.Notice.Code)
}

// ── Input validity ───────────────────────────────────────────────────────────

func TestInputsOutsideValidStatesAreDropped(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	require.NoError(t, f.sess.Start())

	// An offer while still calling (no accept yet) must not produce an answer.
	f.sess.handleEnvelope(signal.NewDescription(signal.KindOffer, "conv-1", "bob", "alice", "v=0 offer"))
	require.Equal(t, 0, f.sig.count(signal.KindAnswer))
	require.Equal(t, StateCalling, f.sess.State())

	// A candidate while calling is dropped, not queued into a dead engine.
	f.sess.handleEnvelope(signal.NewCandidate("conv-1", "bob", "alice",
		webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	require.Empty(t, f.neg.candidates)

	// Once connecting, candidates are routed into the engine.
	f.sess.handleEnvelope(f.envFrom(signal.KindAccept))
	f.sess.handleEnvelope(signal.NewCandidate("conv-1", "bob", "alice",
		webrtc.ICECandidateInit{Candidate: "candidate:2"}))
	require.Len(t, f.neg.candidates, 1)
}

func TestChatIgnoredWhenIdle(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.sess.handleEnvelope(signal.NewChat("conv-1", "bob", "alice", "hello?"))
	require.Empty(t, f.sess.Messages())

	_, err := f.sess.SendChat("hi")
	require.ErrorIs(t, err, ErrInvalidState)
}

// ── Glare ────────────────────────────────────────────────────────────────────

func TestGlareLowerIDKeepsCalling(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	require.NoError(t, f.sess.Start())

	yielded := f.sess.handleGlareInvite()

	require.False(t, yielded)
	require.Equal(t, StateCalling, f.sess.State())
	require.Equal(t, 0, f.neg.closed())
}

func TestGlareHigherIDYields(t *testing.T) {
	f := newFixture(t, "bob", "alice", granted())
	require.NoError(t, f.sess.Start())

	yielded := f.sess.handleGlareInvite()

	require.True(t, yielded)
	require.Equal(t, StateRinging, f.sess.State())
	// The yielded attempt's media is released until the user accepts.
	require.Equal(t, 1, f.neg.closed())
	assert.False(t, f.sess.Status().Caller)
}

// ── Chat ─────────────────────────────────────────────────────────────────────

func TestChatRoundTrip(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.connect(t)
	events, cancel := f.sess.Subscribe()
	defer cancel()

	sent, err := f.sess.SendChat("hello bob")
	require.NoError(t, err)
	require.Equal(t, "alice", sent.From)

	env := f.sig.last(signal.KindChat)
	require.NotNil(t, env)
	require.Equal(t, "hello bob", env.Text)

	ev := <-events
	require.Equal(t, EventChat, ev.Type)
	require.Equal(t, sent.ID, ev.Chat.ID)

	f.sess.handleEnvelope(signal.NewChat("conv-1", "bob", "alice", "hi alice"))
	msgs := f.sess.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "bob", msgs[1].From)

	// The log is session-scoped: gone after the call ends.
	f.sess.End()
	require.Empty(t, f.sess.Messages())
}

// ── Local candidate publishing ───────────────────────────────────────────────

func TestLocalCandidatesArePublishedWhileActive(t *testing.T) {
	f := newFixture(t, "alice", "bob", granted())
	f.connect(t)

	f.neg.emit(connEvent{kind: connLocalCandidate,
		candidate: &webrtc.ICECandidateInit{Candidate: "candidate:local"}})
	require.Equal(t, 1, f.sig.count(signal.KindICECandidate))

	f.sess.End()
	f.neg.emit(connEvent{kind: connLocalCandidate,
		candidate: &webrtc.ICECandidateInit{Candidate: "candidate:late"}})
	require.Equal(t, 1, f.sig.count(signal.KindICECandidate))
}
