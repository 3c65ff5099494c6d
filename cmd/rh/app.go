package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/coordinator"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/entry"
	"github.com/zulandar/roundhouse/internal/logging"
	"github.com/zulandar/roundhouse/internal/nluclient"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/notify/discord"
	"github.com/zulandar/roundhouse/internal/notify/slack"
	"github.com/zulandar/roundhouse/internal/predcache"
	"github.com/zulandar/roundhouse/internal/token"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app is everything a command needs, wired from one config file.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
	client *nluclient.Client
	tokens token.Source
	coord  *coordinator.Coordinator

	closers []func() error
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
}

// openApp loads configPath and connects every component. The caller must
// Close the result.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	gormDB, err := db.Connect(cfg.Database.Options())
	if err != nil {
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.db = gormDB
	a.closers = append(a.closers, sqlDB.Close)

	repo := entry.NewRepository(gormDB)
	if err := repo.Initialize(ctx); err != nil {
		return err
	}

	a.client, err = nluclient.New(nluclient.Options{
		BaseURL:      cfg.NLU.URL,
		Timeout:      cfg.NLU.Timeout,
		PollInterval: cfg.NLU.PollInterval,
		Retry: &nluclient.RetryPolicy{
			MaxAttempts:  cfg.NLU.Retry.MaxAttempts,
			InitialDelay: cfg.NLU.Retry.InitialDelay,
			MaxDelay:     cfg.NLU.Retry.MaxDelay,
			Jitter:       true,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	a.tokens, err = tokenSource(cfg.Auth)
	if err != nil {
		return err
	}

	cache, err := predcache.New(predcache.Options{
		Size:          cfg.Cache.Size,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisPrefix:   cfg.Cache.RedisPrefix,
		TTL:           cfg.Cache.TTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cache.Close)

	notifier, err := notifiers(cfg.Notify)
	if err != nil {
		return err
	}

	a.coord, err = coordinator.New(repo, a.client, coordinator.Options{
		Tokens:          a.tokens,
		Cache:           cache,
		Notifier:        notifier,
		Logger:          logger,
		TrainingTimeout: cfg.NLU.TrainingTimeout,
		InstanceID:      cfg.InstanceID,
	})
	return err
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func tokenSource(auth config.AuthConfig) (token.Source, error) {
	if auth.TokenSecret == "" {
		return token.Static(auth.StaticToken), nil
	}
	issuer, err := token.NewIssuer(auth.TokenSecret, auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	return issuer, nil
}

func notifiers(cfg config.NotifyConfig) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.Slack.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return notify.Nop{}, nil
	}
	return out, nil
}
