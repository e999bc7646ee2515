package main

import (
	"os"

	"github.com/go-go-golems/chatwire/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var settings *config.Settings

var rootCmd = &cobra.Command{
	Use:           "chatwire",
	Short:         "chatwire connects to a multi-agent chat backend and routes its events",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		s, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		withCaller, _ := cmd.Flags().GetBool("with-caller")
		// reinitialize the logger now that --log-level is parsed
		if err := initLogger(s.LogLevel, withCaller); err != nil {
			return err
		}
		settings = s
		return nil
	},
}

func initLogger(level string, withCaller bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp()
	if withCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	return nil
}

func main() {
	_ = initLogger("info", false)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default $HOME/.chatwire/config.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.Bool("with-caller", false, "log caller file and line")
	pf.String("base-url", "http://localhost:8000", "backend base url")
	pf.String("default-transport", "sse", "transport used when discovery fails (socket, sse, polling)")

	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newComponentsCommand())
	rootCmd.AddCommand(newDiscoverCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatwire failed")
		os.Exit(1)
	}
}
