package relay

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/cryptagon/huddle/pkg/logger"
)

var log = logger.GetLogger().WithName("relay")

// RootConfig is the root config read in from config.toml
type RootConfig struct {
	Signal SignalConfig
	WebRTC WebRTCConfig
}

// Endpoint public endpoint to hit
func (c *RootConfig) Endpoint() string {
	host := c.Signal.FQDN
	if host == "" {
		host = "localhost"
	}
	addr := c.Signal.HTTPAddr
	if addr == "" {
		addr = ":7000"
	}
	parts := strings.Split(addr, ":")
	port := parts[len(parts)-1]

	if c.Signal.Key != "" && c.Signal.Cert != "" {
		return fmt.Sprintf("wss://%v:%v/ws", host, port)
	}
	return fmt.Sprintf("ws://%v:%v/ws", host, port)
}

// SignalConfig params for the websocket control listener
type SignalConfig struct {
	FQDN     string
	Key      string
	Cert     string
	HTTPAddr string
	Auth     AuthConfig
}

// AuthConfig params for JWT token authentication
type AuthConfig struct {
	Enabled bool
	Key     string
	KeyType string
}

// WebRTCConfig is handed through to clients building peer connections.
type WebRTCConfig struct {
	ICEServers []ICEServerConfig
}

// ICEServerConfig describes one STUN/TURN server.
type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// Configuration builds the pion configuration for a peer connection.
func (c WebRTCConfig) Configuration() webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	for _, s := range c.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}
