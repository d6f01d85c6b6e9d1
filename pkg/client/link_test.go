package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/types"
)

// stubSignal satisfies Signal for link tests. Only the relay operations the
// link itself uses are routable; messages emitted before a route is attached
// are buffered and replayed, since the initiator offers from its constructor.
type stubSignal struct {
	offers  int64
	answers int64
	joins   int64

	mu        sync.Mutex
	peer      *PeerLink
	pending   []func(*PeerLink)
	lastOffer webrtc.SessionDescription
	welcome   relay.Welcome
	joinPeers []types.PeerInfo
}

// routeTo delivers this side's traffic to the other link, flushing anything
// emitted before the pair was wired up.
func (s *stubSignal) routeTo(peer *PeerLink) {
	s.mu.Lock()
	s.peer = peer
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, deliver := range pending {
		deliver(peer)
	}
}

func (s *stubSignal) deliver(fn func(*PeerLink)) {
	s.mu.Lock()
	peer := s.peer
	if peer == nil {
		s.pending = append(s.pending, fn)
	}
	s.mu.Unlock()

	if peer != nil {
		fn(peer)
	}
}

func (s *stubSignal) setWelcome(w relay.Welcome) {
	s.mu.Lock()
	s.welcome = w
	s.mu.Unlock()
}

func (s *stubSignal) setJoinPeers(peers []types.PeerInfo) {
	s.mu.Lock()
	s.joinPeers = peers
	s.mu.Unlock()
}

func (s *stubSignal) Run()         {}
func (s *stubSignal) Close() error { return nil }
func (s *stubSignal) WaitWelcome(ctx context.Context) (relay.Welcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.welcome, nil
}
func (s *stubSignal) Join(ctx context.Context, rid types.RoomID, displayName string) (*relay.RoomPeers, error) {
	atomic.AddInt64(&s.joins, 1)
	s.mu.Lock()
	peers := s.joinPeers
	s.mu.Unlock()
	return &relay.RoomPeers{RID: rid, Peers: peers}, nil
}
func (s *stubSignal) Watch(ctx context.Context, rid types.RoomID) (*relay.RoomPeers, error) {
	return &relay.RoomPeers{}, nil
}
func (s *stubSignal) Unwatch(rid types.RoomID) error                 { return nil }
func (s *stubSignal) Leave() error                                   { return nil }
func (s *stubSignal) SetState(rid types.RoomID, micOn, d bool) error { return nil }
func (s *stubSignal) Text(rid types.RoomID, ch types.ChannelID, m string) error {
	return nil
}
func (s *stubSignal) VoiceActivity(rid types.RoomID, speaking bool) error { return nil }

func (s *stubSignal) Offer(to types.PeerID, desc webrtc.SessionDescription) error {
	atomic.AddInt64(&s.offers, 1)
	s.mu.Lock()
	s.lastOffer = desc
	s.mu.Unlock()
	s.deliver(func(peer *PeerLink) { peer.HandleRemoteOffer(desc) })
	return nil
}

func (s *stubSignal) Answer(to types.PeerID, desc webrtc.SessionDescription) error {
	atomic.AddInt64(&s.answers, 1)
	s.deliver(func(peer *PeerLink) { peer.HandleRemoteAnswer(desc) })
	return nil
}

func (s *stubSignal) Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error {
	s.deliver(func(peer *PeerLink) { peer.HandleRemoteCandidate(candidate) })
	return nil
}

func (s *stubSignal) offerCount() int64 { return atomic.LoadInt64(&s.offers) }

func (s *stubSignal) lastOfferDesc() webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOffer
}

func (s *stubSignal) OnWelcome(func(relay.Welcome))                          {}
func (s *stubSignal) OnPeerJoined(func(relay.PeerJoined))                    {}
func (s *stubSignal) OnPeerLeft(func(relay.PeerLeft))                        {}
func (s *stubSignal) OnPeerState(func(relay.PeerState))                      {}
func (s *stubSignal) OnRoomPeerJoined(func(relay.PeerJoined))                {}
func (s *stubSignal) OnRoomPeerLeft(func(relay.PeerLeft))                    {}
func (s *stubSignal) OnOffer(func(types.PeerID, webrtc.SessionDescription))  {}
func (s *stubSignal) OnAnswer(func(types.PeerID, webrtc.SessionDescription)) {}
func (s *stubSignal) OnTrickle(func(types.PeerID, webrtc.ICECandidateInit))  {}
func (s *stubSignal) OnText(func(relay.Text))                                {}
func (s *stubSignal) OnVoiceActivity(func(relay.VoiceActivity))              {}
func (s *stubSignal) OnDisconnected(func())                                  {}

func (l *PeerLink) quiescent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.makingOffer && !l.awaitingAnswer && !l.needsRenegotiation &&
		l.pc.SignalingState() == webrtc.SignalingStateStable
}

func (l *PeerLink) queuedCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingRemoteCandidates.Len()
}

// barrier waits until everything already scheduled on the link's serial
// worker has run.
func (l *PeerLink) barrier() {
	done := make(chan struct{})
	l.submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// linkPair cross-wires two links through stub signals so every offer, answer
// and candidate one side emits is delivered to the other.
func linkPair(t *testing.T, tracksA, tracksB map[types.TrackSlot]webrtc.TrackLocal) (*PeerLink, *PeerLink, *stubSignal, *stubSignal) {
	t.Helper()

	sigA := &stubSignal{}
	sigB := &stubSignal{}

	// "a" sorts before "b": a initiates and is impolite, b is polite.
	b, err := newPeerLink("b", types.PeerInfo{ID: "a"}, sigB, webrtc.Configuration{}, tracksB, nil, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	a, err := newPeerLink("a", types.PeerInfo{ID: "b"}, sigA, webrtc.Configuration{}, tracksA, nil, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	sigB.routeTo(a)
	sigA.routeTo(b)

	return a, b, sigA, sigB
}

func waitQuiescent(t *testing.T, links ...*PeerLink) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, l := range links {
			if !l.quiescent() {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "links never settled")
}

func audioTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "huddle")
	require.NoError(t, err)
	return track
}

func TestLinkRoles(t *testing.T) {
	a, err := newPeerLink("a", types.PeerInfo{ID: "b"}, &stubSignal{}, webrtc.Configuration{}, nil, nil, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := newPeerLink("b", types.PeerInfo{ID: "a"}, &stubSignal{}, webrtc.Configuration{}, nil, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	require.True(t, a.initiator)
	require.False(t, a.polite)
	require.False(t, b.initiator)
	require.True(t, b.polite)
}

func TestLinkInitialNegotiation(t *testing.T) {
	tracks := map[types.TrackSlot]webrtc.TrackLocal{
		types.TrackSlot_MIC: audioTrack(t, "mic-a"),
	}
	a, b, _, _ := linkPair(t, tracks, nil)

	waitQuiescent(t, a, b)
	require.NotNil(t, a.pc.RemoteDescription())
	require.NotNil(t, b.pc.RemoteDescription())
}

func TestLinkGlareConverges(t *testing.T) {
	a, b, _, _ := linkPair(t, nil, nil)
	waitQuiescent(t, a, b)

	// both sides renegotiate at once; the polite side rolls back and the
	// exchange converges without either link wedging
	a.Negotiate()
	b.Negotiate()

	waitQuiescent(t, a, b)
	require.NotNil(t, a.pc.RemoteDescription())
	require.NotNil(t, b.pc.RemoteDescription())
}

func TestLinkCandidatesFlowAfterGlareResolves(t *testing.T) {
	sig := &stubSignal{}

	// "a" is the impolite side toward "b": its own offer wins a collision
	a, err := newPeerLink("a", types.PeerInfo{ID: "b"}, sig, webrtc.Configuration{}, nil, nil, nil)
	require.NoError(t, err)
	defer a.Close()
	a.barrier()
	offer := sig.lastOfferDesc()
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	// a colliding remote offer is ignored while ours is in flight
	collider, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer collider.Close()
	_, err = collider.CreateDataChannel(vadChannelLabel, nil)
	require.NoError(t, err)
	colliding, err := collider.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, collider.SetLocalDescription(colliding))

	a.HandleRemoteOffer(*collider.LocalDescription())
	a.barrier()
	a.mu.Lock()
	ignored := a.ignoreOffer
	a.mu.Unlock()
	require.True(t, ignored)

	// the remote side yields and answers our winning offer
	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer answerer.Close()
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))

	a.HandleRemoteAnswer(*answerer.LocalDescription())
	a.barrier()
	require.NotNil(t, a.pc.RemoteDescription())

	// the answer ends the collision: candidates of the live exchange must be
	// accepted again, not discarded with the ignored offer
	a.mu.Lock()
	ignored = a.ignoreOffer
	a.mu.Unlock()
	require.False(t, ignored)

	a.HandleRemoteCandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
	})
	a.barrier()
	require.Zero(t, a.queuedCandidates())
}

func TestLinkCandidateQueuedUntilRemoteDescription(t *testing.T) {
	sig := &stubSignal{}

	// b is the responder, so it has no remote description yet
	b, err := newPeerLink("b", types.PeerInfo{ID: "a"}, sig, webrtc.Configuration{}, nil, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	b.HandleRemoteCandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
	})
	b.barrier()
	require.Equal(t, 1, b.queuedCandidates())

	// an offer arrives; the queued candidate is applied with the remote
	// description and the queue drains
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer offerer.Close()
	_, err = offerer.CreateDataChannel(vadChannelLabel, nil)
	require.NoError(t, err)
	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))

	b.HandleRemoteOffer(*offerer.LocalDescription())
	b.barrier()
	require.Zero(t, b.queuedCandidates())
	require.NotNil(t, b.pc.RemoteDescription())
	require.EqualValues(t, 1, atomic.LoadInt64(&sig.answers))
}

func TestLinkTrackSlots(t *testing.T) {
	tracks := map[types.TrackSlot]webrtc.TrackLocal{
		types.TrackSlot_MIC: audioTrack(t, "mic-a"),
	}
	a, b, sigA, _ := linkPair(t, tracks, nil)
	waitQuiescent(t, a, b)

	t.Run("replace in place does not renegotiate", func(t *testing.T) {
		before := sigA.offerCount()
		a.SetTrack(types.TrackSlot_MIC, audioTrack(t, "mic-a2"))
		a.barrier()
		waitQuiescent(t, a, b)
		require.Equal(t, before, sigA.offerCount())
	})

	t.Run("filling a slot renegotiates once", func(t *testing.T) {
		before := sigA.offerCount()
		a.SetTrack(types.TrackSlot_SCREEN_AUDIO, audioTrack(t, "screen-a"))
		a.barrier()
		waitQuiescent(t, a, b)
		require.Equal(t, before+1, sigA.offerCount())
	})

	t.Run("vacating a slot renegotiates once", func(t *testing.T) {
		before := sigA.offerCount()
		a.SetTrack(types.TrackSlot_SCREEN_AUDIO, nil)
		a.barrier()
		waitQuiescent(t, a, b)
		require.Equal(t, before+1, sigA.offerCount())
	})

	t.Run("vacating an empty slot is a no-op", func(t *testing.T) {
		before := sigA.offerCount()
		a.SetTrack(types.TrackSlot_SCREEN_VIDEO, nil)
		a.barrier()
		waitQuiescent(t, a, b)
		require.Equal(t, before, sigA.offerCount())
	})
}

func TestLinkVoiceActivityRequiresOpenChannel(t *testing.T) {
	b, err := newPeerLink("b", types.PeerInfo{ID: "a"}, &stubSignal{}, webrtc.Configuration{}, nil, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	// the responder has no side channel until the initiator's offer lands
	require.False(t, b.SendVoiceActivity(true))
}

func TestLinkCloseIsIdempotent(t *testing.T) {
	a, err := newPeerLink("a", types.PeerInfo{ID: "b"}, &stubSignal{}, webrtc.Configuration{}, nil, nil, nil)
	require.NoError(t, err)

	a.Close()
	a.Close()

	// operations after close are dropped, not panics
	a.Negotiate()
	a.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host"})
}
