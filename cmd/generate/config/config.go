package config

import (
	"fmt"
	"os"

	"github.com/Mmx233/Courier/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value
	force      bool

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "Generate server configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeTemplate("server", examples.ServerConfig)
		},
	}

	ClientCmd = &cobra.Command{
		Use:   "client",
		Short: "Generate client configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeTemplate("client", examples.ClientConfig)
		},
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
	Cmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	Cmd.AddCommand(ServerCmd)
	Cmd.AddCommand(ClientCmd)
}

func writeTemplate(kind string, template func() ([]byte, error)) error {
	logger := log.With().Str("com", "generate").Logger()

	if _, err := os.Stat(configFile); err == nil && !force {
		return fmt.Errorf("file already exists: %s", configFile)
	}
	content, err := template()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}
	if err := os.WriteFile(configFile, content, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", configFile).Msgf("generated %s configuration", kind)
	return nil
}
