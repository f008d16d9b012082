package servecmder

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/config"
	"github.com/papercomputeco/flowchat/server"
)

const serveLongDesc string = `Serve the chat page and the session API over HTTP.

Each browser gets its own conversation, tracked by a session cookie. The
same conversations are reachable as JSON under /api/sessions. Prometheus
metrics are served on /metrics.

Sessions are kept in memory unless a Redis URL is configured, in which case
several replicas can share them. When a transcript database is configured,
completed exchanges are recorded to it and exposed under /api/transcripts.

Changes to the config file are picked up without a restart.

Examples:
  flowchat serve
  flowchat serve --listen :8080 --config flowchat.toml
  flowchat serve --redis redis://localhost:6379/0 --db transcripts.sqlite`

const serveShortDesc string = "Serve the web chat"

type serveCommander struct {
	listen   string
	dbPath   string
	redisURL string
	noWatch  bool
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address to listen on (default :8501)")
	cmd.Flags().StringVar(&cmder.dbPath, "db", "", "Path to a SQLite database for transcripts (default: none)")
	cmd.Flags().StringVar(&cmder.redisURL, "redis", "", "Redis URL for shared session state (default: in-memory)")
	cmd.Flags().BoolVar(&cmder.noWatch, "no-watch", false, "Do not reload the config file when it changes")

	return cmd
}

func (c *serveCommander) run(ctx context.Context, cmd *cobra.Command) error {
	inst, err := c.prepare(cmd)
	if err != nil {
		return err
	}
	return inst.serve(ctx)
}

// instance is a configured server that has not started yet.
type instance struct {
	app      *app.App
	server   *server.Server
	opts     config.Options
	listen   string
	watch    bool
	listener net.Listener
}

func (c *serveCommander) prepare(cmd *cobra.Command) (*instance, error) {
	cfg, opts, err := app.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if c.listen != "" {
		cfg.ListenAddr = c.listen
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	if c.redisURL != "" {
		cfg.RedisURL = c.redisURL
	}

	logger := app.NewLogger(cfg, cmd.ErrOrStderr())

	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	serverOpts := []server.Option{server.WithMetrics(a.Registry)}
	if a.Transcripts != nil {
		serverOpts = append(serverOpts, server.WithTranscripts(a.Transcripts))
	}

	srv := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		Title:      cfg.Title,
		Subtitle:   cfg.Subtitle,
	}, a.Manager, logger.Named("server"), serverOpts...)

	logger.Info("flowchat starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("endpoint", cfg.Flow().Endpoint()),
		zap.Bool("authenticated", cfg.APIKey != ""),
		zap.String("config_file", cfg.Source),
		zap.Bool("debug", cfg.Debug),
	)

	opts.ConfigPath = cfg.Source
	return &instance{
		app:    a,
		server: srv,
		opts:   opts,
		listen: cfg.ListenAddr,
		watch:  !c.noWatch && cfg.Source != "",
	}, nil
}

func (i *instance) serve(ctx context.Context) error {
	defer i.app.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if i.watch {
		go func() {
			if err := config.Watch(ctx, i.opts, i.app.Logger, i.app.Reload); err != nil {
				i.app.Logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if i.listener != nil {
			errCh <- i.server.RunWithListener(i.listener)
			return
		}
		errCh <- i.server.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		i.app.Logger.Info("shutting down")
		if err := i.server.Shutdown(); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
