package remote

import (
	"fmt"

	"github.com/Mmx233/Courier/client"
	"github.com/Mmx233/Courier/transfer"
	"github.com/spf13/cobra"
)

var (
	rootScope bool
	queueOnly bool

	downloadCmd = &cobra.Command{
		Use:   "download <remote-path> [local-dir]",
		Short: "Download a file or directory from a server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.Request{Direction: transfer.Download, RemotePath: args[0]}
			if len(args) == 2 {
				req.LocalPath = args[1]
			}
			return submit(cmd, req)
		},
	}

	uploadCmd = &cobra.Command{
		Use:   "upload <local-path> <remote-dir>",
		Short: "Upload a file or directory to a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, client.Request{Direction: transfer.Upload, LocalPath: args[0], RemotePath: args[1]})
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{downloadCmd, uploadCmd} {
		c.Flags().BoolVar(&rootScope, "root", false, "resolve the remote path against the server's root scope")
		c.Flags().BoolVarP(&queueOnly, "queue", "q", false, "only queue the transfer for `courier run client`")
	}
}

func submit(cmd *cobra.Command, req client.Request) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	req.Server = serverName
	req.Root = rootScope
	rec, err := c.Executor().Submit(req)
	if err != nil {
		return err
	}
	if queueOnly {
		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		return nil
	}

	ctx, stop := interruptible(cmd.Context())
	defer stop()
	return follow(ctx, c, rec.ID, cmd.OutOrStdout())
}
