package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mmx233/Courier/client/store"
	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client ties the transfer list, the executor and the server connections
// together.
type Client struct {
	config   *config.Client
	dialer   *Dialer
	manager  *Manager
	executor *Executor
	logger   zerolog.Logger
}

// New opens the transfer store and prepares the executor. Nothing is dialed
// until Start or Connect.
func New(conf *config.Client) (*Client, error) {
	conf.ApplyDefaults()
	logger := log.With().Str("com", "client").Logger()

	if conf.TLS.CACertPool == nil {
		if err := conf.TLS.LoadCertificates(); err != nil {
			return nil, fmt.Errorf("load certificates: %w", err)
		}
	}

	st, err := store.Open(conf.Store, conf.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open transfer store: %w", err)
	}
	manager, err := NewManager(st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	dialer := NewDialer(conf, logger)
	return &Client{
		config:   conf,
		dialer:   dialer,
		manager:  manager,
		executor: NewExecutor(conf, manager, dialer, logger),
		logger:   logger,
	}, nil
}

func (c *Client) Manager() *Manager { return c.manager }

func (c *Client) Executor() *Executor { return c.executor }

// Connect opens a main session to the named server.
func (c *Client) Connect(ctx context.Context, server string, handler Handler) (*Session, error) {
	ep, err := c.config.Server(server)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, c.config.Timeouts.Connect)
	defer cancel()
	return Connect(connectCtx, c.dialer, c.config, ep, handler)
}

// Start works the transfer queue and keeps a session to every server
// open for latency measurement, until ctx is done. Sessions are redialed
// with backoff.
func (c *Client) Start(ctx context.Context) error {
	names := make([]string, len(c.config.Servers))
	for i, s := range c.config.Servers {
		names[i] = s.Name
	}
	c.logger.Info().Strs("servers", names).Msg("starting client")

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepSession(ctx, name)
		}()
	}

	err := c.executor.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

const (
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
)

func (c *Client) keepSession(ctx context.Context, server string) {
	logger := c.logger.With().Str("server", server).Logger()
	delay := reconnectDelay
	for ctx.Err() == nil {
		s, err := c.Connect(ctx, server, latencyLogger{logger: logger})
		if err == nil {
			delay = reconnectDelay
			err = s.Run(ctx, c.config.PingInterval)
			_ = s.Close()
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("session lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// Close saves the transfer list and closes the store.
func (c *Client) Close() error {
	return c.manager.Close()
}

type latencyLogger struct {
	NopHandler
	logger zerolog.Logger
}

func (l latencyLogger) Latency(d time.Duration) {
	l.logger.Debug().Dur("rtt", d).Msg("ping")
}

func (l latencyLogger) Unsolicited(f protocol.Frame) {
	l.logger.Debug().Str("type", f.Type).Msg("ignoring unsolicited frame")
}
