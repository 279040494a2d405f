// Package signal defines the signaling envelope exchanged between the two
// call participants and the pubsub relay adapter that carries it. The relay
// treats payloads as opaque; all meaning lives in the envelope kinds below.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Kind is the closed set of signaling message kinds. The call state machine
// switches over these exhaustively — adding a kind here without handling it
// there is a bug.
type Kind string

const (
	KindInvite       Kind = "invite"
	KindAccept       Kind = "accept"
	KindDecline      Kind = "decline"
	KindEnd          Kind = "end"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindChat         Kind = "chat"
)

// Kinds lists every valid envelope kind, in no particular order.
var Kinds = []Kind{
	KindInvite, KindAccept, KindDecline, KindEnd,
	KindOffer, KindAnswer, KindICECandidate, KindChat,
}

// Envelope is the unit exchanged over the relay. Exactly one of the
// kind-specific fields is populated, matching Kind.
type Envelope struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	SentAt         int64  `json:"sent_at"` // Unix milliseconds

	// SDP carries the session description for offer/answer.
	SDP string `json:"sdp,omitempty"`

	// Candidate carries one trickle ICE candidate for ice-candidate.
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// Text carries the message body for chat.
	Text string `json:"text,omitempty"`

	// Reason carries an optional human-readable decline reason.
	Reason string `json:"reason,omitempty"`
}

func newEnvelope(kind Kind, conversationID, from, to string) *Envelope {
	return &Envelope{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConversationID: conversationID,
		From:           from,
		To:             to,
		SentAt:         time.Now().UnixMilli(),
	}
}

// NewControl builds an invite, accept or end envelope (the payload-free kinds).
func NewControl(kind Kind, conversationID, from, to string) *Envelope {
	return newEnvelope(kind, conversationID, from, to)
}

// NewDecline builds a decline envelope with an optional reason.
func NewDecline(conversationID, from, to, reason string) *Envelope {
	env := newEnvelope(KindDecline, conversationID, from, to)
	env.Reason = reason
	return env
}

// NewDescription builds an offer or answer envelope carrying sdp.
func NewDescription(kind Kind, conversationID, from, to, sdp string) *Envelope {
	env := newEnvelope(kind, conversationID, from, to)
	env.SDP = sdp
	return env
}

// NewCandidate builds an ice-candidate envelope.
func NewCandidate(conversationID, from, to string, c webrtc.ICECandidateInit) *Envelope {
	env := newEnvelope(KindICECandidate, conversationID, from, to)
	env.Candidate = &c
	return env
}

// NewChat builds a chat envelope.
func NewChat(conversationID, from, to, text string) *Envelope {
	env := newEnvelope(KindChat, conversationID, from, to)
	env.Text = text
	return env
}

// AddressedTo reports whether the envelope is meant for participantID.
func (e *Envelope) AddressedTo(participantID string) bool {
	return e.To == participantID
}

// Validate checks structural soundness: known kind, addressing fields set,
// and the kind-specific payload present. Malformed envelopes are dropped at
// the relay boundary so the state machine only ever sees well-formed input.
func (e *Envelope) Validate() error {
	if e.ConversationID == "" || e.From == "" || e.To == "" {
		return fmt.Errorf("signal: envelope %s missing addressing", e.ID)
	}
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("signal: %s envelope %s without sdp", e.Kind, e.ID)
		}
	case KindICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("signal: ice-candidate envelope %s without candidate", e.ID)
		}
	case KindChat:
		if e.Text == "" {
			return fmt.Errorf("signal: chat envelope %s without text", e.ID)
		}
	case KindInvite, KindAccept, KindDecline, KindEnd:
		// No payload.
	default:
		return fmt.Errorf("signal: unknown envelope kind %q", e.Kind)
	}
	return nil
}
