package relay

import (
	"sync"

	"github.com/elliotchance/orderedmap"
	"github.com/getlantern/deepcopy"

	"github.com/cryptagon/huddle/pkg/types"
)

// Broadcast is a server-to-client notification queued for delivery on a
// participant's control connection.
type Broadcast struct {
	method string
	params interface{}
}

// Participant is the server-side state of one control connection.
type Participant struct {
	ID          types.PeerID
	DisplayName string

	// Room is the room this participant is active in, "" if none.
	Room     types.RoomID
	MicOn    bool
	Deafened bool

	send chan<- Broadcast
}

// Info snapshots the participant's membership view.
func (p *Participant) Info() types.PeerInfo {
	return types.PeerInfo{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		MicOn:       p.MicOn,
		Deafened:    p.Deafened,
	}
}

func (p *Participant) enqueue(b Broadcast) bool {
	select {
	case p.send <- b:
		return true
	default:
		log.Info("participant send queue full, dropping broadcast", "peer_id", p.ID, "method", b.method)
		prometheusCounterDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Room holds one room's membership. Active participants exchange media;
// watchers only observe membership.
type Room struct {
	id types.RoomID

	// active maps types.PeerID to *Participant in join order.
	active   *orderedmap.OrderedMap
	watchers map[types.PeerID]*Participant
}

func newRoom(id types.RoomID) *Room {
	return &Room{
		id:       id,
		active:   orderedmap.NewOrderedMap(),
		watchers: make(map[types.PeerID]*Participant),
	}
}

func (r *Room) empty() bool {
	return r.active.Len() == 0 && len(r.watchers) == 0
}

// peers returns the active membership in join order, excluding except.
// The result is deep copied so it stays stable after the lock is released.
func (r *Room) peers(except types.PeerID) []types.PeerInfo {
	infos := make([]types.PeerInfo, 0, r.active.Len())
	for el := r.active.Front(); el != nil; el = el.Next() {
		p := el.Value.(*Participant)
		if p.ID == except {
			continue
		}
		infos = append(infos, p.Info())
	}

	out := make([]types.PeerInfo, 0, len(infos))
	deepcopy.Copy(&out, infos)
	return out
}

// broadcast enqueues a notification for every active participant except
// the given peer id, using the room-* method variant for watchers when one
// is provided.
func (r *Room) broadcast(method string, params interface{}, except types.PeerID) {
	for el := r.active.Front(); el != nil; el = el.Next() {
		p := el.Value.(*Participant)
		if p.ID == except {
			continue
		}
		p.enqueue(Broadcast{method, params})
	}
}

func (r *Room) broadcastWatchers(method string, params interface{}, except types.PeerID) {
	for id, p := range r.watchers {
		if id == except {
			continue
		}
		p.enqueue(Broadcast{method, params})
	}
}

// Registry is the authoritative in-memory room state for this relay node.
// A single mutex serializes "read membership, mutate membership, broadcast"
// per control message; room sizes are tiny so contention is not a concern.
type Registry struct {
	mu    sync.Mutex
	rooms map[types.RoomID]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[types.RoomID]*Room),
	}
}

func (g *Registry) getOrCreateRoom(rid types.RoomID) *Room {
	room, ok := g.rooms[rid]
	if !ok {
		room = newRoom(rid)
		g.rooms[rid] = room
		prometheusGaugeRooms.Inc()
		log.Info("room created", "room_id", rid)
	}
	return room
}

func (g *Registry) deleteRoomIfEmpty(room *Room) {
	if !room.empty() {
		return
	}
	delete(g.rooms, room.id)
	prometheusGaugeRooms.Dec()
	log.Info("room deleted", "room_id", room.id)
}

// Join registers p as active in rid, implicitly leaving any prior room, and
// returns the room's remaining active membership.
func (g *Registry) Join(p *Participant, rid types.RoomID, displayName string) []types.PeerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.leaveLocked(p)

	p.DisplayName = displayName
	p.Room = rid
	p.MicOn = false
	p.Deafened = false

	room := g.getOrCreateRoom(rid)
	existing := room.peers(p.ID)
	room.active.Set(p.ID, p)

	joined := PeerJoined{RID: rid, Peer: p.Info()}
	room.broadcast(MethodPeerJoined, joined, p.ID)
	room.broadcastWatchers(MethodRoomPeerJoined, joined, p.ID)

	log.Info("participant joined", "room_id", rid, "peer_id", p.ID, "display_name", displayName)
	return existing
}

// Watch registers p as a watcher of rid and returns the current active
// membership. Watching is an upsert and notifies nobody.
func (g *Registry) Watch(p *Participant, rid types.RoomID) []types.PeerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.getOrCreateRoom(rid)
	room.watchers[p.ID] = p
	return room.peers(p.ID)
}

// Unwatch removes p from rid's watcher set.
func (g *Registry) Unwatch(p *Participant, rid types.RoomID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[rid]
	if !ok {
		return
	}
	delete(room.watchers, p.ID)
	g.deleteRoomIfEmpty(room)
}

// Leave removes p from the room it is active in, if any.
func (g *Registry) Leave(p *Participant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked(p)
}

func (g *Registry) leaveLocked(p *Participant) {
	if p.Room == "" {
		return
	}
	room, ok := g.rooms[p.Room]
	if !ok {
		p.Room = ""
		return
	}

	room.active.Delete(p.ID)
	left := PeerLeft{RID: room.id, PeerID: p.ID}
	room.broadcast(MethodPeerLeft, left, p.ID)
	room.broadcastWatchers(MethodRoomPeerLeft, left, p.ID)

	log.Info("participant left", "room_id", room.id, "peer_id", p.ID)
	p.Room = ""
	g.deleteRoomIfEmpty(room)
}

// SetState records p's mic/deafen state and fans it out. A state message for
// a room p is not active in is ignored so stale clients cannot leak state
// across rooms.
func (g *Registry) SetState(p *Participant, rid types.RoomID, micOn, deafened bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.memberRoomLocked(p, rid)
	if room == nil {
		prometheusCounterDropped.WithLabelValues("not_member").Inc()
		return
	}

	p.MicOn = micOn
	p.Deafened = deafened

	state := PeerState{RID: rid, PeerID: p.ID, MicOn: micOn, Deafened: deafened}
	room.broadcast(MethodPeerState, state, p.ID)
	room.broadcastWatchers(MethodPeerState, state, p.ID)
}

// Relay forwards an opaque negotiation payload to a single active member of
// p's room. Routing to a peer that already left is an expected no-op.
func (g *Registry) Relay(p *Participant, method string, to types.PeerID, params interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p.Room == "" {
		prometheusCounterDropped.WithLabelValues("not_member").Inc()
		return
	}
	room, ok := g.rooms[p.Room]
	if !ok {
		return
	}
	target, ok := room.active.Get(to)
	if !ok {
		log.V(1).Info("relay target not in room, dropping", "room_id", p.Room, "to", to, "method", method)
		prometheusCounterDropped.WithLabelValues("stale_target").Inc()
		return
	}

	target.(*Participant).enqueue(Broadcast{method, params})
	prometheusCounterRelayed.WithLabelValues(method).Inc()
}

// BroadcastText fans a chat message out to every active member of rid, the
// sender included.
func (g *Registry) BroadcastText(p *Participant, rid types.RoomID, channel types.ChannelID, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.memberRoomLocked(p, rid)
	if room == nil {
		prometheusCounterDropped.WithLabelValues("not_member").Inc()
		return
	}

	text := Text{
		RID:         rid,
		Channel:     channel,
		Message:     message,
		From:        p.ID,
		DisplayName: p.DisplayName,
	}
	room.broadcast(MethodText, text, "")
}

// BroadcastVoiceActivity fans the speaking signal out to every active member
// of rid except the sender.
func (g *Registry) BroadcastVoiceActivity(p *Participant, rid types.RoomID, speaking bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.memberRoomLocked(p, rid)
	if room == nil {
		prometheusCounterDropped.WithLabelValues("not_member").Inc()
		return
	}

	room.broadcast(MethodVAD, VoiceActivity{RID: rid, From: p.ID, Speaking: speaking}, p.ID)
}

// Disconnect performs the implicit leave plus removal from every watcher set.
func (g *Registry) Disconnect(p *Participant) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.leaveLocked(p)

	for _, room := range g.rooms {
		if _, ok := room.watchers[p.ID]; ok {
			delete(room.watchers, p.ID)
			g.deleteRoomIfEmpty(room)
		}
	}
}

// RoomCount reports how many rooms currently exist.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) memberRoomLocked(p *Participant, rid types.RoomID) *Room {
	if p.Room != rid {
		return nil
	}
	room, ok := g.rooms[rid]
	if !ok {
		return nil
	}
	if _, ok := room.active.Get(p.ID); !ok {
		return nil
	}
	return room
}
