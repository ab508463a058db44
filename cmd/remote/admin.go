package remote

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Mmx233/Courier/client"
	"github.com/spf13/cobra"
)

var (
	pingCount int

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Measure the round trip to a server over its main connection",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, ctx context.Context, s *client.Session, args []string) error {
			for i := 0; i < pingCount; i++ {
				if i > 0 {
					time.Sleep(time.Second)
				}
				rtt, err := s.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rtt=%s\n", rtt.Round(time.Microsecond))
			}
			return nil
		}),
	}

	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "List the transfers running on a server (admin)",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, ctx context.Context, s *client.Session, args []string) error {
			transfers, err := s.Monitor(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tPEER\tDIRECTION\tPATH\tPROGRESS")
			for _, t := range transfers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s / %s (%s)\n",
					shortID(t.TransferID), t.Username, t.PeerAddress, t.Direction, t.Path,
					formatBytes(t.Bytes), formatBytes(t.TotalSize), percent(t.Bytes, t.TotalSize))
			}
			return w.Flush()
		}),
	}

	banCmd = &cobra.Command{
		Use:   "ban <username>",
		Short: "Ban a user and terminate all of their transfers (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, ctx context.Context, s *client.Session, args []string) error {
			if err := s.Ban(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s banned\n", args[0])
			return nil
		}),
	}
)

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 4, "number of pings")
}

// withSession logs in to the selected server and keeps the session reading
// while fn runs.
func withSession(fn func(cmd *cobra.Command, ctx context.Context, s *client.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := openClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := interruptible(cmd.Context())
		defer stop()
		s, err := c.Connect(ctx, serverName, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.Run(runCtx, time.Hour) }()
		defer func() {
			cancel()
			<-done
		}()
		return fn(cmd, ctx, s, args)
	}
}
