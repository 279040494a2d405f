package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("signal")

// topicPrefix scopes the per-conversation pubsub topics.
const topicPrefix = "duocall/call/"

// publishTimeout bounds how long a fire-and-forget publish may block on the
// underlying router before the envelope is abandoned.
const publishTimeout = 5 * time.Second

// Relay adapts a libp2p GossipSub router to the per-conversation
// publish/subscribe contract the call engine expects: best-effort delivery,
// per-sender ordering, self-published messages filtered out, at most one
// subscription per conversation.
type Relay struct {
	ps            *pubsub.PubSub
	self          peer.ID
	participantID string

	mu    sync.Mutex
	convs map[string]*conversation
}

// conversation tracks one joined topic and its (optional) active reader.
type conversation struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// NewRelay wraps ps. self is the local libp2p peer (its own publishes are
// filtered on receive); participantID is the local call-participant identity
// envelopes must be addressed to.
func NewRelay(ps *pubsub.PubSub, self peer.ID, participantID string) *Relay {
	return &Relay{
		ps:            ps,
		self:          self,
		participantID: participantID,
		convs:         make(map[string]*conversation),
	}
}

// joinLocked returns the conversation record for conversationID, joining the
// topic on first use. Callers hold r.mu.
func (r *Relay) joinLocked(conversationID string) (*conversation, error) {
	if c, ok := r.convs[conversationID]; ok {
		return c, nil
	}
	topic, err := r.ps.Join(topicPrefix + conversationID)
	if err != nil {
		return nil, err
	}
	c := &conversation{topic: topic}
	r.convs[conversationID] = c
	return c, nil
}

// Subscribe joins the per-conversation topic and delivers every well-formed
// envelope published by the remote participant to fn, in the remote sender's
// publish order. Re-subscribing to the same conversation tears down the
// previous subscription first, so fn never receives duplicate deliveries.
func (r *Relay) Subscribe(conversationID string, fn func(*Envelope)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.joinLocked(conversationID)
	if err != nil {
		return err
	}
	if c.sub != nil {
		c.cancel()
		c.sub.Cancel()
		c.sub = nil
	}

	sub, err := c.topic.Subscribe()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sub = sub
	c.cancel = cancel

	go r.readLoop(ctx, conversationID, sub, fn)
	log.Debugw("subscribed", "conversation", conversationID)
	return nil
}

// readLoop drains one subscription until it is cancelled. It runs as a
// single goroutine per subscription, so fn sees envelopes sequentially.
func (r *Relay) readLoop(ctx context.Context, conversationID string, sub *pubsub.Subscription, fn func(*Envelope)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // cancelled or topic closed
		}
		if msg.ReceivedFrom == r.self {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Debugw("dropping undecodable envelope", "conversation", conversationID, "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			log.Debugw("dropping malformed envelope", "conversation", conversationID, "err", err)
			continue
		}
		if !env.AddressedTo(r.participantID) {
			continue
		}
		fn(&env)
	}
}

// Publish sends env on its conversation topic. Fire and forget: there is no
// acknowledgment and no retry; the caller's state machine owns timeout
// handling for envelopes whose loss matters.
func (r *Relay) Publish(env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	r.mu.Lock()
	c, err := r.joinLocked(env.ConversationID)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.topic.Publish(ctx, data); err != nil {
		log.Warnw("publish failed", "conversation", env.ConversationID, "kind", env.Kind, "err", err)
		return err
	}
	return nil
}

// Unsubscribe stops delivery for conversationID and leaves the topic.
// Idempotent: unknown conversations are a no-op.
func (r *Relay) Unsubscribe(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.convs[conversationID]
	if !ok {
		return
	}
	if c.sub != nil {
		c.cancel()
		c.sub.Cancel()
		c.sub = nil
	}
	if err := c.topic.Close(); err != nil {
		log.Debugw("topic close", "conversation", conversationID, "err", err)
	}
	delete(r.convs, conversationID)
}

// Close unsubscribes from every conversation.
func (r *Relay) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Unsubscribe(id)
	}
}
