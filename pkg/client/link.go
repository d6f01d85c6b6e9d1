package client

import (
	"encoding/json"
	"sync"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v3"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/logger"
	"github.com/cryptagon/huddle/pkg/types"
)

const vadChannelLabel = "vad"

// PeerLink is the negotiation state machine for one remote participant.
//
// Both sides may trigger renegotiation at any time; when their offers
// collide, the polite side rolls its own offer back and accepts the remote
// one, the impolite side ignores the remote offer and keeps its own. The
// roles derive from types.ComparePeers so the two sides never disagree.
//
// All signaling work for a link runs on a single-worker pool, so operations
// on one link are serialized while distinct links progress independently.
type PeerLink struct {
	mu sync.Mutex

	id     types.PeerID
	info   types.PeerInfo
	local  types.PeerID
	signal Signal
	log    logger.Logger

	pc      *webrtc.PeerConnection
	vadDC   *webrtc.DataChannel
	senders map[types.TrackSlot]*webrtc.RTPSender

	polite    bool
	initiator bool

	makingOffer        bool
	awaitingAnswer     bool
	ignoreOffer        bool
	needsRenegotiation bool

	// pendingRemoteCandidates holds candidates that arrived before the
	// remote description they belong to.
	pendingRemoteCandidates deque.Deque

	tasks  *workerpool.WorkerPool
	closed bool

	onTrack         func(types.PeerID, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onVoiceActivity func(types.PeerID, bool)
}

func newPeerLink(local types.PeerID, info types.PeerInfo, signal Signal, cfg webrtc.Configuration,
	tracks map[types.TrackSlot]webrtc.TrackLocal,
	onTrack func(types.PeerID, *webrtc.TrackRemote, *webrtc.RTPReceiver),
	onVoiceActivity func(types.PeerID, bool)) (*PeerLink, error) {

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	l := &PeerLink{
		id:              info.ID,
		info:            info,
		local:           local,
		signal:          signal,
		log:             log.WithValues("peer_id", info.ID),
		pc:              pc,
		senders:         make(map[types.TrackSlot]*webrtc.RTPSender),
		polite:          types.Polite(local, info.ID),
		initiator:       types.Initiates(local, info.ID),
		tasks:           workerpool.New(1),
		onTrack:         onTrack,
		onVoiceActivity: onVoiceActivity,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		trickle := candidate.ToJSON()
		if err := l.signal.Trickle(l.id, trickle); err != nil {
			l.log.Error(err, "error sending ice candidate")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		l.log.V(1).Info("link got remote track", "track_id", track.ID(), "kind", track.Kind())
		if l.onTrack != nil {
			l.onTrack(l.id, track, recv)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != vadChannelLabel {
			return
		}
		l.mu.Lock()
		l.vadDC = dc
		l.mu.Unlock()
		l.bindVAD(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.log.V(1).Info("link connection state changed", "state", state)
	})

	// The initiator opens the side channel; every data channel rides the
	// first offer so the responder never has to negotiate one.
	if l.initiator {
		dc, err := pc.CreateDataChannel(vadChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		l.vadDC = dc
		l.bindVAD(dc)
	}

	hasTracks := false
	for slot, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			l.log.Error(err, "error adding local track", "slot", slot)
			continue
		}
		l.senders[slot] = sender
		hasTracks = true
	}

	if l.initiator {
		l.Negotiate()
	} else if hasTracks {
		// Published tracks that the remote offer does not cover get
		// re-offered once the initial exchange settles.
		l.needsRenegotiation = true
	}

	return l, nil
}

// Info returns the last known membership view of the remote peer.
func (l *PeerLink) Info() types.PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

func (l *PeerLink) setInfo(info types.PeerInfo) {
	l.mu.Lock()
	l.info = info
	l.mu.Unlock()
}

// submit schedules work on the link's serial worker. The closed check and
// the Submit share the lock so nothing races Close stopping the pool.
func (l *PeerLink) submit(task func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tasks.Submit(task)
}

// Negotiate schedules an offer toward the remote peer. If an exchange is
// already mid-flight the attempt is parked and retried once the link is
// quiescent again.
func (l *PeerLink) Negotiate() {
	l.submit(l.negotiate)
}

func (l *PeerLink) negotiate() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.makingOffer || l.awaitingAnswer || l.pc.SignalingState() != webrtc.SignalingStateStable {
		l.needsRenegotiation = true
		l.mu.Unlock()
		return
	}
	l.makingOffer = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.makingOffer = false
		l.mu.Unlock()
	}()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.log.Error(err, "error creating offer")
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.log.Error(err, "error setting local offer")
		return
	}
	if err := l.signal.Offer(l.id, *l.pc.LocalDescription()); err != nil {
		l.log.Error(err, "error sending offer")
		return
	}

	l.mu.Lock()
	l.awaitingAnswer = true
	l.mu.Unlock()
}

// HandleRemoteOffer schedules collision-aware acceptance of a remote offer.
func (l *PeerLink) HandleRemoteOffer(desc webrtc.SessionDescription) {
	l.submit(func() { l.handleRemoteOffer(desc) })
}

func (l *PeerLink) handleRemoteOffer(desc webrtc.SessionDescription) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	collision := l.makingOffer || l.awaitingAnswer || l.pc.SignalingState() != webrtc.SignalingStateStable
	if collision && !l.polite {
		// Our in-flight offer wins; the remote side rolls back.
		l.ignoreOffer = true
		l.mu.Unlock()
		l.log.V(1).Info("glare: ignoring remote offer")
		return
	}
	l.ignoreOffer = false
	rollback := collision
	if collision {
		// Abandon the in-flight local offer and re-offer once settled.
		l.awaitingAnswer = false
		l.needsRenegotiation = true
	}
	l.mu.Unlock()

	if rollback {
		l.log.V(1).Info("glare: rolling back local offer")
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			l.log.Error(err, "error rolling back local offer")
			return
		}
	}

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.log.Error(err, "error setting remote offer")
		return
	}
	l.flushPendingCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.log.Error(err, "error creating answer")
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.log.Error(err, "error setting local answer")
		return
	}
	if err := l.signal.Answer(l.id, *l.pc.LocalDescription()); err != nil {
		l.log.Error(err, "error sending answer")
		return
	}

	l.retryIfNeeded()
}

// HandleRemoteAnswer schedules application of an answer to our offer.
func (l *PeerLink) HandleRemoteAnswer(desc webrtc.SessionDescription) {
	l.submit(func() { l.handleRemoteAnswer(desc) })
}

func (l *PeerLink) handleRemoteAnswer(desc webrtc.SessionDescription) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.awaitingAnswer = false
	// The answer settles the exchange our offer won; candidates that follow
	// belong to it and must not be treated as part of the ignored offer.
	l.ignoreOffer = false
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.log.Error(err, "error setting remote answer")
		return
	}
	l.flushPendingCandidates()
	l.retryIfNeeded()
}

// HandleRemoteCandidate schedules application of a trickled candidate,
// queueing it when the remote description it depends on has not landed yet.
func (l *PeerLink) HandleRemoteCandidate(candidate webrtc.ICECandidateInit) {
	l.submit(func() { l.handleRemoteCandidate(candidate) })
}

func (l *PeerLink) handleRemoteCandidate(candidate webrtc.ICECandidateInit) {
	l.mu.Lock()
	if l.closed || l.ignoreOffer {
		l.mu.Unlock()
		return
	}
	if l.pc.RemoteDescription() == nil {
		l.pendingRemoteCandidates.PushBack(candidate)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(candidate); err != nil {
		l.log.Error(err, "error adding ice candidate")
	}
}

func (l *PeerLink) flushPendingCandidates() {
	l.mu.Lock()
	queued := make([]webrtc.ICECandidateInit, 0, l.pendingRemoteCandidates.Len())
	for l.pendingRemoteCandidates.Len() > 0 {
		queued = append(queued, l.pendingRemoteCandidates.PopFront().(webrtc.ICECandidateInit))
	}
	l.mu.Unlock()

	for _, candidate := range queued {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.log.Error(err, "error adding queued ice candidate")
		}
	}
}

func (l *PeerLink) retryIfNeeded() {
	l.mu.Lock()
	retry := l.needsRenegotiation && !l.makingOffer && !l.awaitingAnswer &&
		l.pc.SignalingState() == webrtc.SignalingStateStable
	if retry {
		l.needsRenegotiation = false
	}
	l.mu.Unlock()

	if retry {
		l.negotiate()
	}
}

// SetTrack schedules a slot update. Replacing the track in an occupied slot
// swaps the media without renegotiating; filling or vacating a slot triggers
// exactly one renegotiation.
func (l *PeerLink) SetTrack(slot types.TrackSlot, track webrtc.TrackLocal) {
	l.submit(func() { l.setTrack(slot, track) })
}

func (l *PeerLink) setTrack(slot types.TrackSlot, track webrtc.TrackLocal) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	sender, occupied := l.senders[slot]
	l.mu.Unlock()

	switch {
	case track == nil && occupied:
		if err := l.pc.RemoveTrack(sender); err != nil {
			l.log.Error(err, "error removing track", "slot", slot)
			return
		}
		l.mu.Lock()
		delete(l.senders, slot)
		l.mu.Unlock()
		l.negotiate()

	case track != nil && occupied:
		if err := sender.ReplaceTrack(track); err != nil {
			l.log.Error(err, "error replacing track", "slot", slot)
		}

	case track != nil && !occupied:
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			l.log.Error(err, "error adding track", "slot", slot)
			return
		}
		l.mu.Lock()
		l.senders[slot] = sender
		l.mu.Unlock()
		l.negotiate()
	}
}

// SendVoiceActivity pushes the speaking signal over the side channel when it
// is open; the relay fallback is handled by the engine.
func (l *PeerLink) SendVoiceActivity(speaking bool) bool {
	l.mu.Lock()
	dc := l.vadDC
	l.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}

	payload, _ := json.Marshal(relay.VADMessage{Type: "vad", Speaking: speaking})
	if err := dc.SendText(string(payload)); err != nil {
		l.log.Error(err, "error sending voice activity")
		return false
	}
	return true
}

func (l *PeerLink) bindVAD(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var vad relay.VADMessage
		if err := json.Unmarshal(msg.Data, &vad); err != nil || vad.Type != "vad" {
			return
		}
		if l.onVoiceActivity != nil {
			l.onVoiceActivity(l.id, vad.Speaking)
		}
	})
}

// Close tears the link down; safe to call while a negotiation is mid-flight.
func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dc := l.vadDC
	l.mu.Unlock()

	l.tasks.Stop()
	if dc != nil {
		_ = dc.Close()
	}
	if err := l.pc.Close(); err != nil {
		l.log.Error(err, "error closing peer connection")
	}
}
