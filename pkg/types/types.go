package types

import "strings"

type PeerID string
type RoomID string
type ChannelID string

// TrackSlot names the media a participant can publish. A slot holds at most
// one track at a time.
type TrackSlot int32

const (
	TrackSlot_MIC          TrackSlot = 0
	TrackSlot_SCREEN_AUDIO TrackSlot = 1
	TrackSlot_SCREEN_VIDEO TrackSlot = 2
)

func (s TrackSlot) String() string {
	switch s {
	case TrackSlot_MIC:
		return "mic"
	case TrackSlot_SCREEN_AUDIO:
		return "screen_audio"
	case TrackSlot_SCREEN_VIDEO:
		return "screen_video"
	}
	return "unknown"
}

// PeerInfo is the membership view of a participant shared with other clients.
type PeerInfo struct {
	ID          PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
	MicOn       bool   `json:"micOn"`
	Deafened    bool   `json:"deafened"`
}

// ComparePeers imposes a total order over peer ids. Both the link initiator
// and the impolite negotiation role are derived from this single comparison,
// so two peers always agree on their roles without exchanging anything.
func ComparePeers(a, b PeerID) int {
	return strings.Compare(string(a), string(b))
}

// Initiates reports whether the local peer opens the link (and its side
// channel) toward remote. The lesser peer id initiates.
func Initiates(local, remote PeerID) bool {
	return ComparePeers(local, remote) < 0
}

// Polite reports whether the local peer yields when both sides offer at
// once. The initiator side is the impolite one.
func Polite(local, remote PeerID) bool {
	return ComparePeers(local, remote) > 0
}
