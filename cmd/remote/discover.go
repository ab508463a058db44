package remote

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Mmx233/Courier/discovery"
	"github.com/spf13/cobra"
)

var (
	browseTimeout time.Duration

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Find servers announcing themselves on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()
			found, err := discovery.Browse(ctx, browseTimeout)
			if err != nil && ctx.Err() == nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no servers found")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tADDRESS\tTRANSFER PORT\tQUIC")
			for _, f := range found {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", f.Instance, f.Address(), f.TransferPort, f.QUIC)
			}
			return w.Flush()
		},
	}
)

func init() {
	discoverCmd.Flags().DurationVarP(&browseTimeout, "timeout", "t", discovery.DefaultBrowseTimeout, "how long to listen for announcements")
}
