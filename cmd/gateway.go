package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-group/internal/channels"
	"github.com/dayuer/nanobot-group/internal/dedup"
	"github.com/dayuer/nanobot-group/internal/relay"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the bot: channels, relay subscriber and agent loop",
	RunE:  runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Agent.Name == "" {
		return errors.New("agent.name must be set so peers can address this bot")
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	chMgr := channels.NewManager(c.Bus, logger)
	rosterID := c.rosterIdentity()
	identity := func() string { return rosterID }

	if fs := cfg.Channel.Feishu; fs != nil && fs.AppID != "" {
		feishu := channels.NewFeishuChannel(channels.FeishuConfig{
			AppID:             fs.AppID,
			AppSecret:         fs.AppSecret,
			VerificationToken: fs.VerificationToken,
			Port:              fs.Port,
			AllowFrom:         fs.AllowFrom,
			GroupPolicy:       cfg.Group.Policy,
			BaseURL:           fs.BaseURL,
		}, c.Bus, channels.FeishuOptions{
			Transcript: c.Store,
			Resolver:   c.Resolver,
			Logger:     logger,
		})
		chMgr.Register(feishu)
		identity = func() string {
			if id := feishu.BotOpenID(); id != "" {
				return id
			}
			return rosterID
		}
	}
	if len(chMgr.EnabledChannels()) == 0 {
		logger.Warn().Msg("no channels enabled; only relayed messages will be processed")
	}

	c.wire(identity)

	rel, err := buildRelay(ctx, cfg, cfg.Agent.Name, c.redis, logger)
	if err != nil {
		return err
	}
	announcer := relay.NewAnnouncer(rel, c.Store, identity, cfg.Agent.Name, logger)
	chMgr.AfterSend(announcer.Announce)

	subscriber := relay.NewSubscriber(relay.SubscriberConfig{
		Ledger:        dedup.NewLedger(cfg.Relay.DedupCapacity),
		Transcript:    c.Store,
		Resolver:      c.Resolver,
		Injector:      c.Bus,
		SelfIdentity:  identity,
		AgentName:     cfg.Agent.Name,
		DefaultPolicy: cfg.Group.Policy,
		Logger:        logger,
	})
	sub, err := subscriber.Run(ctx, rel)
	if err != nil {
		return fmt.Errorf("subscribing to relay: %w", err)
	}
	defer sub.Close()

	ops := newOpsServer(cfg.Metrics.Addr, chMgr, c.Loop, logger)
	if ops != nil {
		go func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("ops server failed")
			}
		}()
		defer ops.Close()
	}

	logger.Info().
		Str("relay", cfg.Relay.Backend).
		Str("transcript", cfg.Transcript.Backend).
		Str("policy", cfg.Group.Policy).
		Int("roster", c.Roster.Len()).
		Msg("gateway starting")

	errCh := make(chan error, 2)
	go func() { errCh <- c.Loop.Run(ctx) }()
	go func() { errCh <- chMgr.StartAll(ctx) }()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	chMgr.StopAll()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			logger.Warn().Err(err).Msg("component stopped with error")
		}
	}
	return nil
}
