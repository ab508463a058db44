package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/Courier/client"
	"github.com/Mmx233/Courier/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Work the transfer queue until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}
)

func runClient(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "client-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return err
	}

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("save transfers")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logEvents(ctx, c.Executor().Events(), logger)
	if err := c.Start(ctx); err != nil {
		return err
	}
	logger.Info().Msg("client stopped")
	return nil
}

func logEvents(ctx context.Context, events <-chan client.Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e := logger.Info()
			switch ev.Type {
			case client.EventStarted:
				e = e.Str("server_transfer_id", ev.ServerTransferID)
			case client.EventProgress:
				e = logger.Debug().Str("file", ev.CurrentFile)
			case client.EventFailed:
				e = logger.Warn().Str("kind", ev.Kind).Err(ev.Err)
			case client.EventPaused:
				e = e.Str("kind", ev.Kind)
			}
			e.Str("id", ev.ID).
				Stringer("event", ev.Type).
				Uint64("bytes", ev.Bytes).
				Uint64("total", ev.Total).
				Msg("transfer")
		}
	}
}
