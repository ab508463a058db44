package remote

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Mmx233/Courier/client"
	"github.com/spf13/cobra"
)

var (
	transfersCmd = &cobra.Command{
		Use:     "transfers",
		Aliases: []string{"tr"},
		Short:   "List and control queued transfers",
		Args:    cobra.NoArgs,
		RunE:    listTransfers,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List transfers, oldest first",
		Args:  cobra.NoArgs,
		RunE:  listTransfers,
	}

	pauseCmd = &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a queued transfer, keeping its partial files",
		Args:  cobra.ExactArgs(1),
		RunE: withTransfer(func(cmd *cobra.Command, c *client.Client, id string) error {
			return c.Executor().Pause(id)
		}),
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a transfer; it can still be resumed later",
		Args:  cobra.ExactArgs(1),
		RunE: withTransfer(func(cmd *cobra.Command, c *client.Client, id string) error {
			return c.Executor().Cancel(id)
		}),
	}

	resumeCmd = &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused or failed transfer from its partial files",
		Args:  cobra.ExactArgs(1),
		RunE: withTransfer(func(cmd *cobra.Command, c *client.Client, id string) error {
			if err := c.Executor().Resume(id); err != nil {
				return err
			}
			if queueOnly {
				return nil
			}
			ctx, stop := interruptible(cmd.Context())
			defer stop()
			return follow(ctx, c, id, cmd.OutOrStdout())
		}),
	}

	removeCmd = &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Forget a transfer that is not running",
		Args:    cobra.ExactArgs(1),
		RunE: withTransfer(func(cmd *cobra.Command, c *client.Client, id string) error {
			return c.Manager().Remove(id)
		}),
	}
)

func init() {
	resumeCmd.Flags().BoolVarP(&queueOnly, "queue", "q", false, "only queue the transfer for `courier run client`")
	transfersCmd.AddCommand(listCmd, pauseCmd, cancelCmd, resumeCmd, removeCmd)
}

func withTransfer(fn func(cmd *cobra.Command, c *client.Client, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := openClient()
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := resolveID(c.Manager().List(), args[0])
		if err != nil {
			return err
		}
		return fn(cmd, c, id)
	}
}

func listTransfers(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()
	return printTransfers(cmd.OutOrStdout(), c.Manager().List())
}

func printTransfers(out io.Writer, records []client.TransferRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tSTATUS\tSERVER\tREMOTE\tPROGRESS\tERROR")
	for _, r := range records {
		progress := formatBytes(r.BytesTransferred)
		if r.TotalBytes > 0 {
			progress = fmt.Sprintf("%s / %s (%s)", progress, formatBytes(r.TotalBytes), percent(r.BytesTransferred, r.TotalBytes))
		}
		errText := r.ErrorKind
		if r.Error != "" {
			errText = fmt.Sprintf("%s: %s", r.ErrorKind, r.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", shortID(r.ID), r.Direction, r.Status, r.Server, r.RemotePath, progress, errText)
	}
	return w.Flush()
}
