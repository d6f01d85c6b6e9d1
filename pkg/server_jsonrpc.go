package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lucsky/cuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/cryptagon/huddle/pkg/types"
)

const sendQueueSize = 32

// JSONSignal handles the jsonrpc2 control channel for one connection. Join
// and watch are requests with replies; everything else is fire-and-forget,
// so malformed or misaddressed messages are dropped rather than answered.
type JSONSignal struct {
	mu       sync.Mutex
	registry *Registry

	participant *Participant
	send        chan Broadcast

	// allowedRoom restricts join/watch when auth pinned the token to a room.
	allowedRoom types.RoomID
}

// NewJSONSignal binds a fresh server-assigned peer id to a connection.
func NewJSONSignal(registry *Registry, allowedRoom types.RoomID) *JSONSignal {
	send := make(chan Broadcast, sendQueueSize)
	return &JSONSignal{
		registry: registry,
		participant: &Participant{
			ID:   types.PeerID(cuid.New()),
			send: send,
		},
		send:        send,
		allowedRoom: allowedRoom,
	}
}

// PeerID returns the id bound to this connection.
func (p *JSONSignal) PeerID() types.PeerID {
	return p.participant.ID
}

// Pump delivers queued broadcasts to the client until the connection drops,
// then releases the participant's room state.
func (p *JSONSignal) Pump(ctx context.Context, conn *jsonrpc2.Conn) {
	stop := conn.DisconnectNotify()
	for {
		select {
		case b := <-p.send:
			if err := conn.Notify(ctx, b.method, b.params); err != nil {
				log.Error(err, "error notifying participant", "peer_id", p.participant.ID, "method", b.method)
			}
		case <-stop:
			p.registry.Disconnect(p.participant)
			log.V(1).Info("participant pump closed", "peer_id", p.participant.ID)
			return
		}
	}
}

func (p *JSONSignal) roomAllowed(rid types.RoomID) bool {
	return p.allowedRoom == "" || p.allowedRoom == rid
}

// Handle incoming RPC call events like join, watch, state, offer and ice
func (p *JSONSignal) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	replyError := func(err error) {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    500,
			Message: fmt.Sprintf("%s", err),
		})
	}

	// Notifications carry no reply channel; anything unparseable is dropped.
	drop := func(err error) {
		log.V(1).Info("dropping malformed message", "method", req.Method, "error", err)
		prometheusCounterDropped.WithLabelValues("malformed").Inc()
	}

	if req.Params == nil {
		if req.Method == "leave" {
			p.registry.Leave(p.participant)
		} else if req.Method == "ping" {
			_ = conn.Reply(ctx, req.ID, "pong")
		} else {
			drop(nil)
		}
		return
	}

	switch req.Method {
	case "join":
		var join Join
		if err := json.Unmarshal(*req.Params, &join); err != nil {
			drop(err)
			replyError(err)
			break
		}
		if !p.roomAllowed(join.RID) {
			replyError(fmt.Errorf("token not valid for room %v", join.RID))
			break
		}

		peers := p.registry.Join(p.participant, join.RID, join.DisplayName)
		_ = conn.Reply(ctx, req.ID, RoomPeers{RID: join.RID, Peers: peers})

	case "watch":
		var watch Watch
		if err := json.Unmarshal(*req.Params, &watch); err != nil {
			drop(err)
			replyError(err)
			break
		}
		if !p.roomAllowed(watch.RID) {
			replyError(fmt.Errorf("token not valid for room %v", watch.RID))
			break
		}

		peers := p.registry.Watch(p.participant, watch.RID)
		_ = conn.Reply(ctx, req.ID, RoomPeers{RID: watch.RID, Peers: peers})

	case "unwatch":
		var unwatch Unwatch
		if err := json.Unmarshal(*req.Params, &unwatch); err != nil {
			drop(err)
			break
		}
		p.registry.Unwatch(p.participant, unwatch.RID)

	case "leave":
		p.registry.Leave(p.participant)

	case "state":
		var state State
		if err := json.Unmarshal(*req.Params, &state); err != nil {
			drop(err)
			break
		}
		p.registry.SetState(p.participant, state.RID, state.MicOn, state.Deafened)

	case MethodOffer, MethodAnswer:
		var n Negotiation
		if err := json.Unmarshal(*req.Params, &n); err != nil {
			drop(err)
			break
		}
		to := n.To
		n.To = ""
		n.From = p.participant.ID
		p.registry.Relay(p.participant, req.Method, to, n)

	case MethodICE:
		var t Trickle
		if err := json.Unmarshal(*req.Params, &t); err != nil {
			drop(err)
			break
		}
		to := t.To
		t.To = ""
		t.From = p.participant.ID
		p.registry.Relay(p.participant, req.Method, to, t)

	case MethodText:
		var text Text
		if err := json.Unmarshal(*req.Params, &text); err != nil {
			drop(err)
			break
		}
		p.registry.BroadcastText(p.participant, text.RID, text.Channel, text.Message)

	case MethodVAD:
		var vad VoiceActivity
		if err := json.Unmarshal(*req.Params, &vad); err != nil {
			drop(err)
			break
		}
		p.registry.BroadcastVoiceActivity(p.participant, vad.RID, vad.Speaking)

	case "ping":
		_ = conn.Reply(ctx, req.ID, "pong")

	default:
		drop(nil)
	}
}
