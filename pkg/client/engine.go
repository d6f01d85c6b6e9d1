package client

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v3"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/types"
)

const (
	joinTimeout = 15 * time.Second
	vadDebounce = 150 * time.Millisecond
)

// Engine drives one negotiation link per remote participant of the joined
// room. It reacts to membership events from the relay, keeps the published
// track slots in sync across links, and rebuilds everything from scratch
// after a reconnect so no stale negotiation state survives.
type Engine struct {
	mu sync.Mutex

	signal Signal
	cfg    webrtc.Configuration
	ctx    context.Context

	localID     types.PeerID
	rid         types.RoomID
	displayName string

	links  map[types.PeerID]*PeerLink
	tracks map[types.TrackSlot]webrtc.TrackLocal

	micOn    bool
	deafened bool
	speaking bool
	debounce func(func())

	// OnTrack is invoked for every remote media track across all links.
	OnTrack func(from types.PeerID, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	// OnPeerJoined / OnPeerLeft / OnPeerState surface membership changes.
	OnPeerJoined func(types.PeerInfo)
	OnPeerLeft   func(types.PeerID)
	OnPeerState  func(relay.PeerState)
	// OnVoiceActivity fires for both side-channel and relay-fallback signals.
	OnVoiceActivity func(from types.PeerID, speaking bool)
	// OnText surfaces room chat.
	OnText func(relay.Text)
}

// NewEngine wires an engine to a signal client.
func NewEngine(ctx context.Context, signal Signal, cfg webrtc.Configuration) *Engine {
	e := &Engine{
		signal:   signal,
		cfg:      cfg,
		ctx:      ctx,
		links:    make(map[types.PeerID]*PeerLink),
		tracks:   make(map[types.TrackSlot]webrtc.TrackLocal),
		debounce: debounce.New(vadDebounce),
	}

	signal.OnWelcome(e.handleWelcome)
	signal.OnPeerJoined(e.handlePeerJoined)
	signal.OnPeerLeft(e.handlePeerLeft)
	signal.OnPeerState(e.handlePeerState)
	signal.OnOffer(e.handleRemoteOffer)
	signal.OnAnswer(e.handleRemoteAnswer)
	signal.OnTrickle(e.handleRemoteCandidate)
	signal.OnText(e.handleText)
	signal.OnVoiceActivity(e.handleRelayedVAD)
	signal.OnDisconnected(e.handleDisconnected)

	return e
}

// JoinRoom joins a room and establishes links toward everyone already in it.
func (e *Engine) JoinRoom(ctx context.Context, rid types.RoomID, displayName string) error {
	welcome, err := e.signal.WaitWelcome(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.localID = welcome.PeerID
	e.rid = rid
	e.displayName = displayName
	e.mu.Unlock()

	peers, err := e.signal.Join(ctx, rid, displayName)
	if err != nil {
		return err
	}

	log.Info("joined room", "room_id", rid, "peer_id", welcome.PeerID, "peers", len(peers.Peers))
	for _, info := range peers.Peers {
		e.Ensure(info)
	}
	return nil
}

// LeaveRoom leaves the current room and tears down every link.
func (e *Engine) LeaveRoom() error {
	e.mu.Lock()
	e.rid = ""
	e.mu.Unlock()

	e.closeAll()
	return e.signal.Leave()
}

// Ensure creates the link toward a remote peer if it does not exist yet.
func (e *Engine) Ensure(info types.PeerInfo) *PeerLink {
	e.mu.Lock()
	if link, ok := e.links[info.ID]; ok {
		e.mu.Unlock()
		return link
	}
	local := e.localID
	tracks := make(map[types.TrackSlot]webrtc.TrackLocal, len(e.tracks))
	for slot, track := range e.tracks {
		tracks[slot] = track
	}
	e.mu.Unlock()

	link, err := newPeerLink(local, info, e.signal, e.cfg, tracks, e.dispatchTrack, e.dispatchVAD)
	if err != nil {
		log.Error(err, "error creating peer link", "peer_id", info.ID)
		return nil
	}

	e.mu.Lock()
	if existing, ok := e.links[info.ID]; ok {
		e.mu.Unlock()
		link.Close()
		return existing
	}
	e.links[info.ID] = link
	e.mu.Unlock()

	log.Info("peer link created", "peer_id", info.ID, "polite", link.polite, "initiator", link.initiator)
	return link
}

// PublishTrack adds, replaces or removes the local track for a slot on every
// current link. Replacing in place never renegotiates; add/remove does.
func (e *Engine) PublishTrack(slot types.TrackSlot, track webrtc.TrackLocal) {
	e.mu.Lock()
	if track == nil {
		delete(e.tracks, slot)
	} else {
		e.tracks[slot] = track
	}
	links := e.snapshotLocked()
	e.mu.Unlock()

	for _, link := range links {
		link.SetTrack(slot, track)
	}
}

// SetState publishes mic/deafen state to the room.
func (e *Engine) SetState(micOn, deafened bool) error {
	e.mu.Lock()
	e.micOn = micOn
	e.deafened = deafened
	rid := e.rid
	e.mu.Unlock()

	if rid == "" {
		return nil
	}
	return e.signal.SetState(rid, micOn, deafened)
}

// SetSpeaking publishes the voice-activity signal: debounced, preferring the
// direct side channel per link and falling back to the relay for links whose
// channel is not open yet.
func (e *Engine) SetSpeaking(speaking bool) {
	e.mu.Lock()
	e.speaking = speaking
	e.mu.Unlock()

	e.debounce(func() {
		e.mu.Lock()
		current := e.speaking
		rid := e.rid
		links := e.snapshotLocked()
		e.mu.Unlock()

		fallback := false
		for _, link := range links {
			if !link.SendVoiceActivity(current) {
				fallback = true
			}
		}
		if fallback && rid != "" {
			if err := e.signal.VoiceActivity(rid, current); err != nil {
				log.Error(err, "error relaying voice activity")
			}
		}
	})
}

// SendText broadcasts a chat message to the joined room.
func (e *Engine) SendText(channel types.ChannelID, message string) error {
	e.mu.Lock()
	rid := e.rid
	e.mu.Unlock()
	return e.signal.Text(rid, channel, message)
}

// Close tears down every link; the signal client is owned by the caller.
func (e *Engine) Close() {
	e.closeAll()
}

func (e *Engine) handleWelcome(w relay.Welcome) {
	e.mu.Lock()
	rid := e.rid
	name := e.displayName
	rejoin := rid != "" && e.localID != "" && e.localID != w.PeerID
	e.mu.Unlock()

	if !rejoin {
		return
	}

	// Reconnected under a fresh identity: every old link is stale.
	log.Info("reconnected, rejoining room", "room_id", rid, "peer_id", w.PeerID)
	e.closeAll()

	// Notification handlers run on the connection's read loop; the join
	// round trip has to happen off it.
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, joinTimeout)
		defer cancel()
		if err := e.JoinRoom(ctx, rid, name); err != nil {
			log.Error(err, "error rejoining room", "room_id", rid)
		}
	}()
}

func (e *Engine) handleDisconnected() {
	// Keep rid/displayName so the next welcome can rejoin.
	e.closeAll()
}

func (e *Engine) handlePeerJoined(joined relay.PeerJoined) {
	e.mu.Lock()
	rid := e.rid
	e.mu.Unlock()
	if joined.RID != rid {
		return
	}

	e.Ensure(joined.Peer)
	if e.OnPeerJoined != nil {
		e.OnPeerJoined(joined.Peer)
	}
}

func (e *Engine) handlePeerLeft(left relay.PeerLeft) {
	e.mu.Lock()
	link, ok := e.links[left.PeerID]
	if ok {
		delete(e.links, left.PeerID)
	}
	e.mu.Unlock()

	if ok {
		link.Close()
	}
	if e.OnPeerLeft != nil {
		e.OnPeerLeft(left.PeerID)
	}
}

func (e *Engine) handlePeerState(state relay.PeerState) {
	e.mu.Lock()
	link, ok := e.links[state.PeerID]
	e.mu.Unlock()

	if ok {
		info := link.Info()
		info.MicOn = state.MicOn
		info.Deafened = state.Deafened
		link.setInfo(info)
	}
	if e.OnPeerState != nil {
		e.OnPeerState(state)
	}
}

func (e *Engine) handleRemoteOffer(from types.PeerID, desc webrtc.SessionDescription) {
	// An offer may arrive before the join notification for its sender.
	link := e.Ensure(types.PeerInfo{ID: from})
	if link == nil {
		return
	}
	link.HandleRemoteOffer(desc)
}

func (e *Engine) handleRemoteAnswer(from types.PeerID, desc webrtc.SessionDescription) {
	e.mu.Lock()
	link, ok := e.links[from]
	e.mu.Unlock()
	if !ok {
		log.V(1).Info("answer for unknown link, dropping", "from", from)
		return
	}
	link.HandleRemoteAnswer(desc)
}

func (e *Engine) handleRemoteCandidate(from types.PeerID, candidate webrtc.ICECandidateInit) {
	e.mu.Lock()
	link, ok := e.links[from]
	e.mu.Unlock()
	if !ok {
		log.V(1).Info("candidate for unknown link, dropping", "from", from)
		return
	}
	link.HandleRemoteCandidate(candidate)
}

func (e *Engine) handleText(text relay.Text) {
	if e.OnText != nil {
		e.OnText(text)
	}
}

func (e *Engine) handleRelayedVAD(vad relay.VoiceActivity) {
	e.dispatchVAD(vad.From, vad.Speaking)
}

func (e *Engine) dispatchTrack(from types.PeerID, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	if e.OnTrack != nil {
		e.OnTrack(from, track, recv)
	}
}

func (e *Engine) dispatchVAD(from types.PeerID, speaking bool) {
	if e.OnVoiceActivity != nil {
		e.OnVoiceActivity(from, speaking)
	}
}

func (e *Engine) closeAll() {
	e.mu.Lock()
	links := e.snapshotLocked()
	e.links = make(map[types.PeerID]*PeerLink)
	e.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
}

func (e *Engine) snapshotLocked() []*PeerLink {
	links := make([]*PeerLink, 0, len(e.links))
	for _, link := range e.links {
		links = append(links, link)
	}
	return links
}
