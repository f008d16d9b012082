// Package app holds the wiring shared by the flowchat sub-commands: flags,
// configuration, logging and the session stack.
package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/config"
	"github.com/papercomputeco/flowchat/pkg/flow"
	"github.com/papercomputeco/flowchat/pkg/logger"
	"github.com/papercomputeco/flowchat/pkg/session"
	"github.com/papercomputeco/flowchat/pkg/session/memory"
	redisstore "github.com/papercomputeco/flowchat/pkg/session/redis"
	"github.com/papercomputeco/flowchat/pkg/transcript"
)

// Persistent flags shared by every sub-command.
const (
	FlagConfig  = "config"
	FlagEnvFile = "env-file"
	FlagDebug   = "debug"
)

const lockPrefix = "flowchat:"

// AddPersistentFlags registers the shared flags on the root command.
func AddPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(FlagConfig, "c", "", "Path to a TOML config file (default: .streamlit/secrets.toml or flowchat.toml)")
	cmd.PersistentFlags().String(FlagEnvFile, "", "Path to a dotenv file (default: .env when present)")
	cmd.PersistentFlags().Bool(FlagDebug, false, "Enable debug logging")
}

// LoadConfig loads the configuration named by the shared flags and applies
// --debug on top. The result is validated.
func LoadConfig(cmd *cobra.Command) (config.Config, config.Options, error) {
	cfg, opts, err := LoadSettings(cmd)
	if err != nil {
		return cfg, opts, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, opts, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, opts, nil
}

// LoadSettings is LoadConfig without validation, for commands that never
// reach the flow.
func LoadSettings(cmd *cobra.Command) (config.Config, config.Options, error) {
	opts := config.Options{
		ConfigPath: stringFlag(cmd, FlagConfig),
		EnvFile:    stringFlag(cmd, FlagEnvFile),
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return cfg, opts, err
	}

	if f := cmd.Flags().Lookup(FlagDebug); f != nil && f.Changed {
		cfg.Debug, _ = cmd.Flags().GetBool(FlagDebug)
	}
	return cfg, opts, nil
}

// NewLogger returns the logger for cfg, writing to w.
func NewLogger(cfg config.Config, w io.Writer) *zap.Logger {
	return logger.NewLoggerTo(w, cfg.Debug)
}

func stringFlag(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}

// App is the assembled session stack.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Sender   *flow.Swappable
	Manager  *session.Manager

	// Transcripts is nil unless a transcript database is configured.
	Transcripts transcript.Storer

	metrics *flow.Metrics
	closers []func() error
}

// New builds the flow client, session store and manager described by cfg.
// Sessions live in Redis when cfg.RedisURL is set and in memory otherwise.
// Completed exchanges are recorded when cfg.DBPath is set.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = flow.NewMetrics(a.Registry)
	a.Sender = flow.NewSwappable(a.newClient(cfg))

	managerOpts := []session.Option{session.WithLogger(log.Named("session"))}

	var store session.Store
	if cfg.RedisURL != "" {
		rs, err := redisstore.New(cfg.RedisURL, redisstore.WithTTL(cfg.SessionTTL))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		store = rs
		managerOpts = append(managerOpts, session.WithLocker(redisstore.NewLocker(rs.Client(), lockPrefix), 0))
		log.Info("using redis session store", zap.Duration("session_ttl", cfg.SessionTTL))
	} else {
		store = memory.NewStore()
		log.Debug("using in-memory session store")
	}

	if cfg.DBPath != "" {
		storer, err := transcript.NewSQLiteStorer(cfg.DBPath)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to open transcript database: %w", err)
		}
		a.closers = append(a.closers, storer.Close)
		a.Transcripts = storer
		managerOpts = append(managerOpts, session.WithRecorder(transcript.NewRecorder(storer)))
		log.Info("recording transcripts", zap.String("path", cfg.DBPath))
	}

	a.Manager = session.NewManager(store, a.Sender, managerOpts...)
	return a, nil
}

// Reload points the flow client at the settings in cfg. Storage settings
// only take effect on restart.
func (a *App) Reload(cfg config.Config) {
	a.Sender.Swap(a.newClient(cfg))
}

// Close releases the stores.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) newClient(cfg config.Config) *flow.Client {
	return flow.NewClient(cfg.Flow(), a.Logger.Named("flow"), flow.WithMetrics(a.metrics))
}
