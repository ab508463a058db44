// Package remote holds the commands that act on the client's transfer list
// or talk to a configured server.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Mmx233/Courier/client"
	"github.com/Mmx233/Courier/client/store"
	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/tools"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "config.yaml")
	serverName string
)

// Commands returns the top level commands of this package.
func Commands() []*cobra.Command {
	return []*cobra.Command{downloadCmd, uploadCmd, transfersCmd, pingCmd, monitorCmd, banCmd, discoverCmd}
}

func init() {
	for _, c := range []*cobra.Command{downloadCmd, uploadCmd, transfersCmd, pingCmd, monitorCmd, banCmd} {
		c.PersistentFlags().StringVarP(&configFile, "config", "c", configFile, "path of client config file")
	}
	for _, c := range []*cobra.Command{downloadCmd, uploadCmd, pingCmd, monitorCmd, banCmd} {
		c.Flags().StringVarP(&serverName, "server", "s", "", "server name or address, defaults to the first configured")
	}
}

func openClient() (*client.Client, error) {
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg)
	if errors.Is(err, store.ErrLocked) {
		return nil, fmt.Errorf("%w; stop `courier run client` first", err)
	}
	return c, err
}

func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// resolveID accepts a full transfer id or a unique prefix of one.
func resolveID(records []client.TransferRecord, prefix string) (string, error) {
	var match string
	for _, r := range records {
		if r.ID == prefix {
			return r.ID, nil
		}
		if strings.HasPrefix(r.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("transfer id %q is ambiguous", prefix)
			}
			match = r.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", client.ErrNotFound, prefix)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var units = []string{"B", "KiB", "MiB", "GiB", "TiB"}

func formatBytes(n uint64) string {
	v, i := float64(n), 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}

func percent(done, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", float64(done)*100/float64(total))
}

// retryHint suggests a resume when another attempt may succeed unchanged.
func retryHint(short string, err error) string {
	if !transfer.Retryable(err) {
		return ""
	}
	return fmt.Sprintf("%s can be retried with `courier transfers resume %s`", short, short)
}

// follow works the queue until transfer id ends, printing its progress.
// Other queued transfers run alongside; whatever is still running when id
// ends goes back to the queue.
func follow(ctx context.Context, c *client.Client, id string, out io.Writer) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Executor().Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	short := shortID(id)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\ninterrupted, %s is queued again\n", short)
			return nil
		case ev := <-c.Executor().Events():
			if ev.ID != id {
				continue
			}
			switch ev.Type {
			case client.EventConnecting:
				fmt.Fprintf(out, "%s connecting\n", short)
			case client.EventStarted:
				fmt.Fprintf(out, "%s %d file(s), %s, server transfer %s\n", short, ev.FileCount, formatBytes(ev.Total), shortID(ev.ServerTransferID))
			case client.EventProgress:
				fmt.Fprintf(out, "\r%s %s / %s (%s) %s", short, formatBytes(ev.Bytes), formatBytes(ev.Total), percent(ev.Bytes, ev.Total), ev.CurrentFile)
			case client.EventCompleted:
				fmt.Fprintf(out, "\n%s completed\n", short)
				return nil
			case client.EventPaused:
				fmt.Fprintf(out, "\n%s paused\n", short)
				return nil
			case client.EventFailed:
				fmt.Fprintln(out)
				if hint := retryHint(short, ev.Err); hint != "" {
					fmt.Fprintln(out, hint)
				}
				return fmt.Errorf("transfer %s failed (%s): %w", short, ev.Kind, ev.Err)
			}
		}
	}
}
