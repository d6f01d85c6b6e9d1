package relay

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/cryptagon/huddle/pkg/types"

	// pprof
	_ "net/http/pprof"
)

// Signal is the websocket signaling relay
type Signal struct {
	registry *Registry
	nodeID   string
	errChan  chan error

	config SignalConfig
}

// NewSignal creates a signaling relay
func NewSignal(registry *Registry, conf SignalConfig) (*Signal, chan error) {
	e := make(chan error)
	w := &Signal{
		registry: registry,
		nodeID:   uuid.New(),
		errChan:  e,
		config:   conf,
	}
	return w, e
}

// Handler builds the http routes served by this relay node.
func (s *Signal) Handler() http.Handler {
	r := mux.NewRouter()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	r.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var allowedRoom types.RoomID
		if s.config.Auth.Enabled {
			token, err := authGetAndValidateToken(s.config.Auth, r)
			if err != nil {
				log.Error(err, "error authenticating token")
				http.Error(w, "Invalid Token", http.StatusForbidden)
				return
			}
			allowedRoom = token.RID
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error(err, "error upgrading websocket")
			return
		}
		defer c.Close()

		prometheusGaugeClients.Inc()
		defer prometheusGaugeClients.Dec()

		p := NewJSONSignal(s.registry, allowedRoom)
		log.Info("participant connected", "peer_id", p.PeerID())

		jc := jsonrpc2.NewConn(r.Context(), websocketjsonrpc2.NewObjectStream(c), p)
		go p.Pump(r.Context(), jc)

		if err := jc.Notify(r.Context(), MethodWelcome, Welcome{PeerID: p.PeerID(), Node: s.nodeID}); err != nil {
			log.Error(err, "error sending welcome", "peer_id", p.PeerID())
		}

		<-jc.DisconnectNotify()
		log.Info("participant disconnected", "peer_id", p.PeerID())
	}))

	r.Handle("/metrics", metricsHandler())
	r.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	return r
}

// ServeWebsocket listens for incoming websocket signaling requests
func (s *Signal) ServeWebsocket() {
	http.Handle("/", s.Handler())

	var err error
	if s.config.Key != "" && s.config.Cert != "" {
		log.Info("Started JSONRPC Server (https)", "listen", s.config.HTTPAddr, "node_id", s.nodeID)
		err = http.ListenAndServeTLS(s.config.HTTPAddr, s.config.Cert, s.config.Key, nil)
	} else {
		log.Info("Started JSONRPC Server", "listen", s.config.HTTPAddr, "node_id", s.nodeID)
		err = http.ListenAndServe(s.config.HTTPAddr, nil)
	}

	if err != nil {
		s.errChan <- err
	}
}
