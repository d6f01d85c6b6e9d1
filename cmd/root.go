package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relay "github.com/cryptagon/huddle/pkg"
	"github.com/cryptagon/huddle/pkg/logger"
)

var (
	// Used for flags.
	cfgFile  string
	logLevel string
	conf     = relay.RootConfig{}

	rootCmd = &cobra.Command{
		Use:   "huddle",
		Short: "huddle is a signaling relay for small p2p voice rooms",
		Long:  `A websocket relay and negotiation client for up to four-person peer-to-peer huddles`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.huddle.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	logger.InitFromLevel(logLevel)

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("toml")
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".huddle" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".huddle")
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	if err := viper.GetViper().Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "config file %s failed to load: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
