package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/logger"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "start a huddle relay node",
	RunE:  serverMain,
}

func init() {
	serverCmd.PersistentFlags().StringVarP(&conf.Signal.HTTPAddr, "addr", "a", ":7000", "http listen address")
	serverCmd.PersistentFlags().StringVar(&conf.Signal.Cert, "cert", "", "tls certificate")
	serverCmd.PersistentFlags().StringVar(&conf.Signal.Key, "key", "", "tls priv key")

	rootCmd.AddCommand(serverCmd)
}

func serverMain(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger().WithName("server")
	log.Info("starting relay node", "addr", conf.Signal.HTTPAddr)

	registry := relay.NewRegistry()
	sServer, sError := relay.NewSignal(registry, conf.Signal)
	go sServer.ServeWebsocket()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-sError:
			log.Error(err, "error in websocket server")
			return err
		case sig := <-sigs:
			log.Info("got signal, beginning drain", "signal", sig.String())
			ticker := time.NewTicker(500 * time.Millisecond)
			for {
				active := relay.MetricsGetActiveClientsCount()
				if active == 0 {
					log.Info("server idle, shutting down")
					return nil
				}
				log.Info("shutdown waiting on clients", "active", active)
				select {
				case <-ticker.C:
					continue
				case <-sigs:
					log.Info("got second signal, forcing shutdown")
					return nil
				}
			}
		}
	}
}
