package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/signal"
)

// pionNegotiator is the production Negotiator: one pion PeerConnection plus
// the local capture feeding it. All connection callbacks are translated
// into connEvents for the session; nothing here mutates session state.
type pionNegotiator struct {
	conversationID string
	pc             *webrtc.PeerConnection
	capture        *media.Capture // nil when the call is receive-only
	ctrl           *media.Controller
	emit           func(connEvent)
	grace          time.Duration

	mu         sync.Mutex
	remoteSet  bool
	applied    map[webrtc.SDPType]bool
	pending    []webrtc.ICECandidateInit
	graceTimer *time.Timer
	failed     bool
	closed     bool
}

// newPionNegotiator builds the WebRTC API, captures local media (degrading
// to receive-only when capture fails — the guard granting access does not
// guarantee the capture stack can open an encoder), and wires the
// connection callbacks.
func newPionNegotiator(conversationID string, stunServers []string, grace time.Duration, emit func(connEvent)) (*pionNegotiator, error) {
	api, selector, err := media.NewAPI()
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	n := &pionNegotiator{
		conversationID: conversationID,
		pc:             pc,
		emit:           emit,
		grace:          grace,
		applied:        make(map[webrtc.SDPType]bool),
	}

	capture, err := media.Acquire(selector)
	if err != nil {
		log.Warnw("local capture failed, proceeding receive-only", "conversation", conversationID, "err", err)
	} else {
		n.capture = capture
	}

	var audioSender, videoSender media.TrackSender
	if n.capture != nil {
		if n.capture.Audio != nil {
			s, err := pc.AddTrack(n.capture.Audio)
			if err != nil {
				n.release()
				return nil, fmt.Errorf("add audio track: %w", err)
			}
			audioSender = s
		}
		if n.capture.Video != nil {
			s, err := pc.AddTrack(n.capture.Video)
			if err != nil {
				n.release()
				return nil, fmt.Errorf("add video track: %w", err)
			}
			videoSender = s
		}
	}
	// Recvonly transceivers for the kinds we do not send, so every offer
	// and answer carries both m-lines with ICE credentials.
	if audioSender == nil {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnw("add recvonly audio transceiver", "conversation", conversationID, "err", err)
		}
	}
	if videoSender == nil {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnw("add recvonly video transceiver", "conversation", conversationID, "err", err)
		}
	}

	n.ctrl = media.NewController(n.capture, audioSender, videoSender, func() (mediadevices.Track, error) {
		return media.AcquireDisplay(selector)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		n.emit(connEvent{kind: connLocalCandidate, candidate: &init})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infow("remote track", "conversation", conversationID, "kind", track.Kind())
		n.emit(connEvent{kind: connRemoteTrack, track: track})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debugw("ice state", "conversation", conversationID, "state", state)
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			n.cancelGrace()
		case webrtc.ICEConnectionStateDisconnected:
			// Transient blips get a grace period before the call is
			// declared lost; ICE may still recover on its own.
			n.armGrace()
		case webrtc.ICEConnectionStateFailed:
			n.fatal("ice failed")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugw("connection state", "conversation", conversationID, "state", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			n.cancelGrace()
			n.emit(connEvent{kind: connConnected})
		case webrtc.PeerConnectionStateFailed:
			n.fatal("connection failed")
		case webrtc.PeerConnectionStateClosed:
			n.emit(connEvent{kind: connClosed})
		}
	})

	return n, nil
}

func (n *pionNegotiator) armGrace() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.graceTimer != nil {
		return
	}
	n.graceTimer = time.AfterFunc(n.grace, func() {
		n.fatal("disconnected")
	})
}

func (n *pionNegotiator) cancelGrace() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.graceTimer != nil {
		n.graceTimer.Stop()
		n.graceTimer = nil
	}
}

// fatal reports an unrecoverable connectivity failure exactly once.
func (n *pionNegotiator) fatal(reason string) {
	n.mu.Lock()
	if n.failed || n.closed {
		n.mu.Unlock()
		return
	}
	n.failed = true
	n.mu.Unlock()
	n.emit(connEvent{kind: connFailed, reason: reason})
}

func (n *pionNegotiator) CreateOffer() (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (n *pionNegotiator) CreateAnswer() (string, error) {
	if n.pc.RemoteDescription() == nil {
		return "", fmt.Errorf("create answer: no remote offer applied")
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (n *pionNegotiator) ApplyRemoteDescription(kind signal.Kind, sdp string) error {
	var sdpType webrtc.SDPType
	switch kind {
	case signal.KindOffer:
		sdpType = webrtc.SDPTypeOffer
	case signal.KindAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("apply remote description: bad kind %q", kind)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applied[sdpType] {
		return ErrDuplicateDescription
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", sdpType, err)
	}
	n.applied[sdpType] = true
	n.remoteSet = true

	// Flush the queued candidates exactly once, in receipt order.
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			log.Debugw("flush candidate", "conversation", n.conversationID, "err", err)
		}
	}
	return nil
}

func (n *pionNegotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		return nil
	}
	// Candidates after connect are still applied — harmless if redundant.
	return n.pc.AddICECandidate(c)
}

func (n *pionNegotiator) Controller() *media.Controller { return n.ctrl }

// Close releases local media and closes the connection. Idempotent: the
// session's teardown path may race a remote end with a local one.
func (n *pionNegotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.graceTimer != nil {
		n.graceTimer.Stop()
		n.graceTimer = nil
	}
	n.mu.Unlock()

	n.release()
	return nil
}

func (n *pionNegotiator) release() {
	if n.ctrl != nil {
		n.ctrl.Close()
	}
	if n.capture != nil {
		n.capture.Close()
	}
	if err := n.pc.Close(); err != nil {
		log.Debugw("peer connection close", "conversation", n.conversationID, "err", err)
	}
}
