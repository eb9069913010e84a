// Package app assembles the long-lived dependencies of a cagewatch workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cagewatch/internal/config"
	"cagewatch/internal/db"
	"cagewatch/internal/dispatch"
	"cagewatch/internal/engine"
	"cagewatch/internal/history"
	"cagewatch/internal/ingest"
	"cagewatch/internal/migrate"
	"cagewatch/internal/notify"
	"cagewatch/internal/observability"
	"cagewatch/internal/relocation"
	"cagewatch/internal/repo"
)

// Context holds the open database, config and engine of a workspace plus the
// background services started for serve.
type Context struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Metrics    *observability.Metrics
	Dispatcher *dispatch.Dispatcher
	History    *history.Influx
	Subscriber *ingest.Subscriber
	Log        *zap.Logger
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// Open opens and migrates the workspace database and builds an engine.
// No background service runs until Start.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *zap.Logger) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg)
	e.Log = log
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Log:       log,
	}, nil
}

// Notifiers returns the configured senders; disabled channels get no-op senders.
func Notifiers(cfg *config.Config) (notify.SMSSender, notify.Mailer) {
	var sms notify.SMSSender = notify.DisabledSMS{}
	var mailer notify.Mailer = notify.DisabledMailer{}
	if cfg.SMS.Enabled {
		sms = notify.NewAfricasTalking(cfg.SMS)
	}
	if cfg.Email.Enabled {
		mailer = notify.NewSMTPMailer(cfg.Email)
	}
	return sms, mailer
}

// Start wires the dispatcher and, when enabled, the history sink into the
// engine. sms and mailer may be nil to use the configured senders.
func (c *Context) Start(sms notify.SMSSender, mailer notify.Mailer) {
	if sms == nil || mailer == nil {
		defSMS, defMailer := Notifiers(c.Config)
		if sms == nil {
			sms = defSMS
		}
		if mailer == nil {
			mailer = defMailer
		}
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics()
	}
	c.Dispatcher = dispatch.New(dispatch.OptionsFromConfig(c.Config.Dispatch), dispatch.Deps{
		SMS:      sms,
		Mailer:   mailer,
		Planner:  relocation.FromConfig(c.Config.Relocation),
		Fallback: relocation.DefaultTarget(c.Config.Relocation),
		Recorder: repo.Repo{DB: c.DB},
		Metrics:  c.Metrics,
		Logger:   c.Log.Named("dispatch"),
	})
	c.Dispatcher.Start()
	c.Engine.Dispatcher = c.Dispatcher

	if c.Config.Influx.Enabled {
		c.History = history.NewInflux(c.Config.Influx, c.Log.Named("history"))
		c.Engine.History = c.History
	}
	c.Log.Info("services started",
		zap.Bool("sms", c.Config.SMS.Enabled),
		zap.Bool("email", c.Config.Email.Enabled),
		zap.Bool("influx", c.Config.Influx.Enabled),
		zap.String("relocation", c.Config.Relocation.Strategy),
	)
}

// StartMQTT connects to the broker and routes readings into the engine.
func (c *Context) StartMQTT(ctx context.Context) error {
	if !c.Config.MQTT.Enabled {
		return nil
	}
	log := c.Log.Named("mqtt")
	client, err := ingest.Connect(ctx, c.Config.MQTT, log)
	if err != nil {
		return err
	}
	h := &ingest.Handler{Engine: c.Engine, Metrics: c.Metrics, Log: log}
	sub := ingest.NewSubscriber(client, c.Config.MQTT, h, log)
	if err := sub.Start(ctx); err != nil {
		client.Disconnect(250)
		return err
	}
	c.Subscriber = sub
	return nil
}

// Close stops intake first, then drains the dispatcher, flushes history and
// closes the database.
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	if c.Subscriber != nil {
		c.Subscriber.Close()
	}
	if c.Dispatcher != nil {
		if err := c.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
		}
	}
	if c.History != nil {
		c.History.Close()
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
