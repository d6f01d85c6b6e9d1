package relay

import (
	"github.com/pion/webrtc/v3"

	"github.com/cryptagon/huddle/pkg/types"
)

// Control-channel message families. Join/Watch/Unwatch/State are interpreted
// by the relay; Negotiation/Trickle/Text/VoiceActivity are routed by peer id
// and their payloads stay opaque to the server.

// Join message sent when entering a room as an active participant.
type Join struct {
	RID         types.RoomID `json:"roomId"`
	DisplayName string       `json:"displayName"`
}

// Watch message sent to observe a room's membership without joining it.
type Watch struct {
	RID types.RoomID `json:"roomId"`
}

// Unwatch message sent to stop observing a room.
type Unwatch struct {
	RID types.RoomID `json:"roomId"`
}

// State message updating the caller's published mic/deafen state.
type State struct {
	RID      types.RoomID `json:"roomId"`
	MicOn    bool         `json:"micOn"`
	Deafened bool         `json:"deafened"`
}

// Negotiation carries an SDP between two peers. Clients fill To; the relay
// stamps From with the session-bound peer id before forwarding.
type Negotiation struct {
	To   types.PeerID              `json:"to,omitempty"`
	From types.PeerID              `json:"from,omitempty"`
	Desc webrtc.SessionDescription `json:"sdp"`
}

// Trickle carries an ICE candidate between two peers.
type Trickle struct {
	To        types.PeerID            `json:"to,omitempty"`
	From      types.PeerID            `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Text is a chat message fanned out to every active participant of a room,
// sender included.
type Text struct {
	RID         types.RoomID    `json:"roomId"`
	Channel     types.ChannelID `json:"channelId"`
	Message     string          `json:"message"`
	From        types.PeerID    `json:"from,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
}

// VoiceActivity is the server-relayed fallback for the speaking signal,
// fanned out to every active participant except the sender.
type VoiceActivity struct {
	RID      types.RoomID `json:"roomId"`
	From     types.PeerID `json:"from,omitempty"`
	Speaking bool         `json:"speaking"`
}

// Welcome is pushed to a client right after its control connection is
// established, announcing the peer id the relay bound to that connection.
type Welcome struct {
	PeerID types.PeerID `json:"peerId"`
	Node   string       `json:"node"`
}

// RoomPeers is the reply to join and watch: the room's current active
// membership, excluding the caller.
type RoomPeers struct {
	RID   types.RoomID     `json:"roomId"`
	Peers []types.PeerInfo `json:"peers"`
}

// PeerJoined notifies room members and watchers about a new active peer.
type PeerJoined struct {
	RID  types.RoomID   `json:"roomId"`
	Peer types.PeerInfo `json:"peer"`
}

// PeerLeft notifies room members and watchers that an active peer left.
type PeerLeft struct {
	RID    types.RoomID `json:"roomId"`
	PeerID types.PeerID `json:"peerId"`
}

// PeerState notifies room members and watchers about a mic/deafen change.
type PeerState struct {
	RID      types.RoomID `json:"roomId"`
	PeerID   types.PeerID `json:"peerId"`
	MicOn    bool         `json:"micOn"`
	Deafened bool         `json:"deafened"`
}

// VADMessage is the only payload type carried on the direct side channel
// between two negotiated peers.
type VADMessage struct {
	Type     string `json:"type"`
	Speaking bool   `json:"speaking"`
}

// Method names for server-to-client notifications. Watchers receive the
// room-* variants so a client can tell passive visibility apart from the
// membership of the room it actually joined.
const (
	MethodWelcome        = "welcome"
	MethodPeerJoined     = "peer-joined"
	MethodPeerLeft       = "peer-left"
	MethodPeerState      = "peer-state"
	MethodRoomPeerJoined = "room-peer-joined"
	MethodRoomPeerLeft   = "room-peer-left"
	MethodOffer          = "offer"
	MethodAnswer         = "answer"
	MethodICE            = "ice"
	MethodText           = "text"
	MethodVAD            = "vad"
)
