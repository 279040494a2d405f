// Package call implements the two-party call engine: the session state
// machine, the pion negotiation wrapper, and in-call messaging. Coupling to
// the relay is via the Signaler interface only; coupling to media capture
// is via the factory and guard interfaces below, so the whole state machine
// is testable without devices or a network.
package call

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/signal"
)

var log = logging.Logger("call")

var (
	// ErrBusy: an intent arrived while the session is not idle or another
	// intent is still in flight. One active call per conversation.
	ErrBusy = errors.New("call: session busy")

	// ErrNoRemoteParticipant: Start requires a resolved remote identity.
	// Calling without one is a contract violation, not a silent no-op.
	ErrNoRemoteParticipant = errors.New("call: no remote participant")

	// ErrMediaDenied: the access guard did not grant device access.
	ErrMediaDenied = errors.New("call: media access not granted")

	// ErrInvalidState: the intent is not valid in the current state.
	ErrInvalidState = errors.New("call: invalid state for intent")

	// ErrDuplicateDescription: a second remote description of the same
	// kind was applied — replay protection.
	ErrDuplicateDescription = errors.New("call: remote description already applied")
)

// State is the call session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	// StateConnecting is "connected, negotiating": accept has been
	// exchanged, offer/answer and ICE are in flight.
	StateConnecting
	StateConnected
	// StateEnded only exists transiently inside teardown; sessions always
	// come to rest in StateIdle.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "invalid"
	}
}

// Signaler is the only surface the call engine needs from the relay.
type Signaler interface {
	Publish(env *signal.Envelope) error
	Subscribe(conversationID string, fn func(*signal.Envelope)) error
	Unsubscribe(conversationID string)
}

// MediaGuard is the session-facing slice of media.Guard.
type MediaGuard interface {
	Request() media.AccessStatus
}

// Negotiator wraps one peer connection for one call. Implemented by the
// pion wrapper in peer.go; faked in tests.
type Negotiator interface {
	// CreateOffer builds the offer and sets it as local description.
	CreateOffer() (sdp string, err error)
	// CreateAnswer builds the answer and sets it as local description.
	// Only valid after a remote offer has been applied.
	CreateAnswer() (sdp string, err error)
	// ApplyRemoteDescription applies the remote offer or answer. A second
	// remote description of the same kind is rejected.
	ApplyRemoteDescription(kind signal.Kind, sdp string) error
	// AddRemoteCandidate applies a trickle candidate, queueing it until a
	// remote description has been applied.
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	// Controller returns the local track controller, or nil when the call
	// is receive-only.
	Controller() *media.Controller
	// Close releases local media and closes the peer connection. Safe to
	// call more than once.
	Close() error
}

// NegotiatorFactory acquires local media and builds a Negotiator whose
// connection events are delivered to emit. Called once per call, after the
// access guard has granted.
type NegotiatorFactory func(conversationID string, emit func(connEvent)) (Negotiator, error)

// connEvent is the single internal event stream from the negotiation engine
// into the state machine: connection state changes, remote tracks and local
// trickle candidates all funnel through here so every mutation happens in
// the session's transition path.
type connEvent struct {
	kind      connEventKind
	reason    string
	candidate *webrtc.ICECandidateInit
	track     *webrtc.TrackRemote
}

type connEventKind int

const (
	connConnected connEventKind = iota
	connFailed
	connClosed
	connRemoteTrack
	connLocalCandidate
)
