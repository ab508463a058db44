package generate

import (
	"github.com/Mmx233/Courier/cmd/generate/certs"
	"github.com/Mmx233/Courier/cmd/generate/config"
	"github.com/Mmx233/Courier/cmd/generate/password"
	"github.com/spf13/cobra"
)

var (
	Cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate resources",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.AddCommand(certs.Cmd)
	Cmd.AddCommand(config.Cmd)
	Cmd.AddCommand(password.Cmd)
}
