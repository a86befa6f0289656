package main

import (
	"context"
	"fmt"

	"github.com/mboxkit/mboxkit/internal/audit"
	"github.com/mboxkit/mboxkit/internal/bulk"
	"github.com/mboxkit/mboxkit/internal/channel"
	"github.com/mboxkit/mboxkit/internal/config"
	"github.com/mboxkit/mboxkit/internal/logger"
	"github.com/mboxkit/mboxkit/internal/monitor"
	"github.com/mboxkit/mboxkit/internal/recovery"
	"github.com/mboxkit/mboxkit/internal/restore"
	"github.com/mboxkit/mboxkit/internal/session"
	"github.com/mboxkit/mboxkit/internal/validation"
)

// appContext wires the full service graph for one command invocation.
type appContext struct {
	cfg       *config.Config
	token     string
	log       *logger.Logger
	session   *session.Manager
	validator *validation.Validator
	recovery  *recovery.Service
	restore   *restore.Service
	bulk      *bulk.Orchestrator
	monitor   *monitor.Monitor
}

func newAppContext(flags *rootFlags) (*appContext, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		parsed, err := config.ParseConfig(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	if flags.organization != "" {
		cfg.Connection.Organization = flags.organization
	}
	if cfg.Connection.Organization == "" {
		return nil, fmt.Errorf("organization is required (set --organization or connection.organization in the config)")
	}

	level := cfg.Logging.Level
	if flags.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, HumanReadable: cfg.Logging.HumanReadable})
	if err != nil {
		return nil, err
	}

	ch, err := channel.NewShellChannel(cfg.Connection.ShellPath, log)
	if err != nil {
		return nil, err
	}
	sess := session.NewManager(ch, session.Options{
		AccessToken:       flags.token,
		UserPrincipalName: cfg.Connection.UserPrincipalName,
		Organization:      cfg.Connection.Organization,
		MaxRetries:        cfg.Connection.MaxRetries,
	}, log)

	validator := validation.NewValidator(sess, log)
	recorder := audit.NewLogRecorder(log)

	return &appContext{
		cfg:       cfg,
		token:     flags.token,
		log:       log,
		session:   sess,
		validator: validator,
		recovery:  recovery.NewService(sess, validator, recorder, log),
		restore:   restore.NewService(sess, validator, recorder, log),
		bulk:      bulk.NewOrchestrator(log),
		monitor:   monitor.NewMonitor(log),
	}, nil
}

// connect establishes the remote session; callers must pair it with a
// deferred disconnect.
func (a *appContext) connect(ctx context.Context) error {
	if a.token == "" {
		return fmt.Errorf("access token is required (set --token or MBOXKIT_ACCESS_TOKEN)")
	}
	return a.session.Connect(ctx)
}

func (a *appContext) disconnect(ctx context.Context) {
	if err := a.session.Disconnect(ctx); err != nil {
		a.log.Error(err, "disconnect failed")
	}
}

// bulkConfig maps the configured bulk section onto orchestrator settings,
// with per-command overrides applied by the caller.
func (a *appContext) bulkConfig() bulk.Config {
	return bulk.Config{
		BatchSize:   a.cfg.Bulk.BatchSize,
		ItemDelay:   a.cfg.Bulk.ItemDelay.Std(),
		BatchDelay:  a.cfg.Bulk.BatchDelay.Std(),
		StopOnError: a.cfg.Bulk.StopOnError,
		RetryFailed: a.cfg.Bulk.RetryFailed,
		MaxRetries:  a.cfg.Bulk.MaxRetries,
	}
}
