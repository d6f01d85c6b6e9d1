package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/client"
	"github.com/cryptagon/huddle/pkg/logger"
	"github.com/cryptagon/huddle/pkg/types"
)

var (
	clientURL   string
	clientRoom  string
	clientName  string
	clientToken string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a huddle relay and join a room",
	RunE:  clientMain,
}

func init() {
	clientCmd.PersistentFlags().StringVarP(&clientURL, "url", "u", "", "relay to connect to (defaults to the configured endpoint)")
	clientCmd.PersistentFlags().StringVarP(&clientRoom, "room", "r", "test-room", "room id to join")
	clientCmd.PersistentFlags().StringVarP(&clientName, "name", "n", "huddle-cli", "display name")
	clientCmd.PersistentFlags().StringVarP(&clientToken, "token", "t", "", "jwt access token")

	rootCmd.AddCommand(clientCmd)
}

func clientEndpoint() string {
	url := clientURL
	if url == "" {
		url = conf.Endpoint()
	}
	if clientToken != "" {
		url += fmt.Sprintf("?access_token=%s", clientToken)
	}
	return url
}

func clientMain(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger().WithName("cli")
	ctx := context.Background()

	sig := client.NewJSONRPCSignalClient(ctx, clientEndpoint(), client.DefaultBackoff)
	engine := client.NewEngine(ctx, sig, conf.WebRTC.Configuration())

	engine.OnTrack = func(from types.PeerID, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Info("got remote track", "from", from, "kind", track.Kind().String())
	}
	engine.OnPeerJoined = func(info types.PeerInfo) {
		log.Info("peer joined", "peer_id", info.ID, "display_name", info.DisplayName)
	}
	engine.OnPeerLeft = func(id types.PeerID) {
		log.Info("peer left", "peer_id", id)
	}
	engine.OnText = func(t relay.Text) {
		log.Info("text", "from", t.DisplayName, "message", t.Message)
	}
	engine.OnVoiceActivity = func(from types.PeerID, speaking bool) {
		log.Info("voice activity", "from", from, "speaking", speaking)
	}

	donech := make(chan struct{})
	go func() {
		sig.Run()
		close(donech)
	}()

	joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := engine.JoinRoom(joinCtx, types.RoomID(clientRoom), clientName); err != nil {
		sig.Close()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-sigs:
			log.Info("got signal, leaving", "signal", s.String())
			if err := engine.LeaveRoom(); err != nil {
				log.Error(err, "error leaving room")
			}
			engine.Close()
			sig.Close()
		case <-donech:
			log.Info("signal closed")
			return nil
		}
	}
}
