package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sourcegraph/jsonrpc2"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/types"
)

// Signal is the typed control-channel interface to the relay.
type Signal interface {
	Run()
	Close() error

	Join(ctx context.Context, rid types.RoomID, displayName string) (*relay.RoomPeers, error)
	Watch(ctx context.Context, rid types.RoomID) (*relay.RoomPeers, error)
	Unwatch(rid types.RoomID) error
	Leave() error
	SetState(rid types.RoomID, micOn, deafened bool) error

	Offer(to types.PeerID, desc webrtc.SessionDescription) error
	Answer(to types.PeerID, desc webrtc.SessionDescription) error
	Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error

	Text(rid types.RoomID, channel types.ChannelID, message string) error
	VoiceActivity(rid types.RoomID, speaking bool) error

	WaitWelcome(ctx context.Context) (relay.Welcome, error)

	OnWelcome(func(relay.Welcome))
	OnPeerJoined(func(relay.PeerJoined))
	OnPeerLeft(func(relay.PeerLeft))
	OnPeerState(func(relay.PeerState))
	OnRoomPeerJoined(func(relay.PeerJoined))
	OnRoomPeerLeft(func(relay.PeerLeft))
	OnOffer(func(from types.PeerID, desc webrtc.SessionDescription))
	OnAnswer(func(from types.PeerID, desc webrtc.SessionDescription))
	OnTrickle(func(from types.PeerID, candidate webrtc.ICECandidateInit))
	OnText(func(relay.Text))
	OnVoiceActivity(func(relay.VoiceActivity))
	OnDisconnected(func())
}

// JSONRPCSignalClient is the websocket jsonrpc2 client for the relay.
type JSONRPCSignalClient struct {
	context   context.Context
	transport *Transport

	mu        sync.Mutex
	welcome   *relay.Welcome
	welcomeCh chan struct{}

	onWelcome        func(relay.Welcome)
	onPeerJoined     func(relay.PeerJoined)
	onPeerLeft       func(relay.PeerLeft)
	onPeerState      func(relay.PeerState)
	onRoomPeerJoined func(relay.PeerJoined)
	onRoomPeerLeft   func(relay.PeerLeft)
	onOffer          func(types.PeerID, webrtc.SessionDescription)
	onAnswer         func(types.PeerID, webrtc.SessionDescription)
	onTrickle        func(types.PeerID, webrtc.ICECandidateInit)
	onText           func(relay.Text)
	onVoiceActivity  func(relay.VoiceActivity)
	onDisconnected   func()
}

// NewJSONRPCSignalClient constructor
func NewJSONRPCSignalClient(ctx context.Context, url string, backoff BackoffConfig) *JSONRPCSignalClient {
	c := &JSONRPCSignalClient{
		context:   ctx,
		welcomeCh: make(chan struct{}),
	}
	c.transport = NewTransport(ctx, url, backoff, c)
	c.transport.OnDisconnected(func() {
		c.mu.Lock()
		c.welcome = nil
		c.welcomeCh = make(chan struct{})
		c.mu.Unlock()

		if c.onDisconnected != nil {
			c.onDisconnected()
		}
	})
	return c
}

// Run drives the underlying transport; it blocks until Close.
func (c *JSONRPCSignalClient) Run() {
	c.transport.Run()
}

// Close disconnects for good.
func (c *JSONRPCSignalClient) Close() error {
	return c.transport.Close()
}

// WaitWelcome blocks until the relay has assigned this connection a peer id.
func (c *JSONRPCSignalClient) WaitWelcome(ctx context.Context) (relay.Welcome, error) {
	c.mu.Lock()
	if w := c.welcome; w != nil {
		c.mu.Unlock()
		return *w, nil
	}
	ch := c.welcomeCh
	c.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return relay.Welcome{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return relay.Welcome{}, errNotConnected
	}
	return *c.welcome, nil
}

// Join a room as an active participant; the reply lists who is already there.
func (c *JSONRPCSignalClient) Join(ctx context.Context, rid types.RoomID, displayName string) (*relay.RoomPeers, error) {
	log.V(1).Info("signal client sending join", "room_id", rid)
	var peers relay.RoomPeers
	err := c.transport.Call(ctx, "join", &relay.Join{RID: rid, DisplayName: displayName}, &peers)
	if err != nil {
		return nil, err
	}
	return &peers, nil
}

// Watch a room's membership without joining it.
func (c *JSONRPCSignalClient) Watch(ctx context.Context, rid types.RoomID) (*relay.RoomPeers, error) {
	var peers relay.RoomPeers
	err := c.transport.Call(ctx, "watch", &relay.Watch{RID: rid}, &peers)
	if err != nil {
		return nil, err
	}
	return &peers, nil
}

// Unwatch stops watching a room.
func (c *JSONRPCSignalClient) Unwatch(rid types.RoomID) error {
	return c.transport.Notify(c.context, "unwatch", &relay.Unwatch{RID: rid})
}

// Leave the current room.
func (c *JSONRPCSignalClient) Leave() error {
	return c.transport.Notify(c.context, "leave", &struct{}{})
}

// SetState publishes the local mic/deafen state.
func (c *JSONRPCSignalClient) SetState(rid types.RoomID, micOn, deafened bool) error {
	return c.transport.Notify(c.context, "state", &relay.State{RID: rid, MicOn: micOn, Deafened: deafened})
}

// Offer sends an sdp offer to a single peer through the relay.
func (c *JSONRPCSignalClient) Offer(to types.PeerID, desc webrtc.SessionDescription) error {
	log.V(1).Info("signal client sending offer", "to", to)
	return c.transport.Notify(c.context, relay.MethodOffer, &relay.Negotiation{To: to, Desc: desc})
}

// Answer sends an sdp answer to a single peer through the relay.
func (c *JSONRPCSignalClient) Answer(to types.PeerID, desc webrtc.SessionDescription) error {
	log.V(1).Info("signal client sending answer", "to", to)
	return c.transport.Notify(c.context, relay.MethodAnswer, &relay.Negotiation{To: to, Desc: desc})
}

// Trickle sends an ice candidate to a single peer through the relay.
func (c *JSONRPCSignalClient) Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error {
	return c.transport.Notify(c.context, relay.MethodICE, &relay.Trickle{To: to, Candidate: candidate})
}

// Text broadcasts a chat message to the room.
func (c *JSONRPCSignalClient) Text(rid types.RoomID, channel types.ChannelID, message string) error {
	return c.transport.Notify(c.context, relay.MethodText, &relay.Text{RID: rid, Channel: channel, Message: message})
}

// VoiceActivity broadcasts the speaking signal through the relay.
func (c *JSONRPCSignalClient) VoiceActivity(rid types.RoomID, speaking bool) error {
	return c.transport.Notify(c.context, relay.MethodVAD, &relay.VoiceActivity{RID: rid, Speaking: speaking})
}

// Handle handles incoming jsonrpc2 notifications from the relay.
func (c *JSONRPCSignalClient) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Params == nil {
		return
	}

	switch req.Method {
	case relay.MethodWelcome:
		var welcome relay.Welcome
		if err := json.Unmarshal(*req.Params, &welcome); err != nil {
			log.Error(err, "error parsing welcome")
			break
		}

		c.mu.Lock()
		if c.welcome == nil {
			close(c.welcomeCh)
		}
		c.welcome = &welcome
		c.mu.Unlock()

		if c.onWelcome != nil {
			c.onWelcome(welcome)
		}

	case relay.MethodPeerJoined, relay.MethodRoomPeerJoined:
		var joined relay.PeerJoined
		if err := json.Unmarshal(*req.Params, &joined); err != nil {
			log.Error(err, "error parsing peer-joined")
			break
		}
		cb := c.onPeerJoined
		if req.Method == relay.MethodRoomPeerJoined {
			cb = c.onRoomPeerJoined
		}
		if cb != nil {
			cb(joined)
		}

	case relay.MethodPeerLeft, relay.MethodRoomPeerLeft:
		var left relay.PeerLeft
		if err := json.Unmarshal(*req.Params, &left); err != nil {
			log.Error(err, "error parsing peer-left")
			break
		}
		cb := c.onPeerLeft
		if req.Method == relay.MethodRoomPeerLeft {
			cb = c.onRoomPeerLeft
		}
		if cb != nil {
			cb(left)
		}

	case relay.MethodPeerState:
		var state relay.PeerState
		if err := json.Unmarshal(*req.Params, &state); err != nil {
			log.Error(err, "error parsing peer-state")
			break
		}
		if c.onPeerState != nil {
			c.onPeerState(state)
		}

	case relay.MethodOffer, relay.MethodAnswer:
		var n relay.Negotiation
		if err := json.Unmarshal(*req.Params, &n); err != nil {
			log.Error(err, "error parsing negotiation")
			break
		}
		cb := c.onOffer
		if req.Method == relay.MethodAnswer {
			cb = c.onAnswer
		}
		if cb != nil {
			cb(n.From, n.Desc)
		}

	case relay.MethodICE:
		var t relay.Trickle
		if err := json.Unmarshal(*req.Params, &t); err != nil {
			log.Error(err, "error parsing trickle ice")
			break
		}
		if c.onTrickle != nil {
			c.onTrickle(t.From, t.Candidate)
		}

	case relay.MethodText:
		var text relay.Text
		if err := json.Unmarshal(*req.Params, &text); err != nil {
			log.Error(err, "error parsing text")
			break
		}
		if c.onText != nil {
			c.onText(text)
		}

	case relay.MethodVAD:
		var vad relay.VoiceActivity
		if err := json.Unmarshal(*req.Params, &vad); err != nil {
			log.Error(err, "error parsing voice activity")
			break
		}
		if c.onVoiceActivity != nil {
			c.onVoiceActivity(vad)
		}
	}
}

func (c *JSONRPCSignalClient) OnWelcome(cb func(relay.Welcome)) { c.onWelcome = cb }

func (c *JSONRPCSignalClient) OnPeerJoined(cb func(relay.PeerJoined)) { c.onPeerJoined = cb }

func (c *JSONRPCSignalClient) OnPeerLeft(cb func(relay.PeerLeft)) { c.onPeerLeft = cb }

func (c *JSONRPCSignalClient) OnPeerState(cb func(relay.PeerState)) { c.onPeerState = cb }

func (c *JSONRPCSignalClient) OnRoomPeerJoined(cb func(relay.PeerJoined)) { c.onRoomPeerJoined = cb }

func (c *JSONRPCSignalClient) OnRoomPeerLeft(cb func(relay.PeerLeft)) { c.onRoomPeerLeft = cb }

func (c *JSONRPCSignalClient) OnOffer(cb func(types.PeerID, webrtc.SessionDescription)) { c.onOffer = cb }

func (c *JSONRPCSignalClient) OnAnswer(cb func(types.PeerID, webrtc.SessionDescription)) {
	c.onAnswer = cb
}

func (c *JSONRPCSignalClient) OnTrickle(cb func(types.PeerID, webrtc.ICECandidateInit)) {
	c.onTrickle = cb
}

func (c *JSONRPCSignalClient) OnText(cb func(relay.Text)) { c.onText = cb }

func (c *JSONRPCSignalClient) OnVoiceActivity(cb func(relay.VoiceActivity)) { c.onVoiceActivity = cb }

func (c *JSONRPCSignalClient) OnDisconnected(cb func()) { c.onDisconnected = cb }
