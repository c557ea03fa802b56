package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/modmail/internal/bridge"
	"github.com/zulandar/modmail/internal/logging"
	"github.com/zulandar/modmail/internal/modmail"
	"github.com/zulandar/modmail/internal/platform/discord"
)

func newBotCmd() *cobra.Command {
	var (
		configPath string
		noBridge   bool
	)

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the modmail bot",
		Long: `Connects to Discord and relays requester DMs into staff thread channels.

Unless --no-bridge is set, the bot also answers directory queries from the
web process over the Redis channels in the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath, noBridge)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	cmd.Flags().BoolVar(&noBridge, "no-bridge", false, "do not serve bridge requests")
	return cmd
}

func runBot(cmd *cobra.Command, configPath string, noBridge bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Guild.Token == "" {
		return fmt.Errorf("bot token is required (guild.token or $MODMAIL_TOKEN)")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext(out)
	defer cancel()

	adapter, err := discord.New(discord.AdapterOpts{
		BotToken: cfg.Guild.Token,
		Logger:   logger.Named("discord"),
	})
	if err != nil {
		return err
	}

	opts := modmail.DaemonOpts{
		DB:       gormDB,
		Config:   cfg,
		Platform: adapter,
		Logger:   logger.Named("modmail"),
		Out:      out,
	}
	if !noBridge {
		client, err := bridge.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Transport = bridge.NewRedisTransport(client)
		logger.Info("bridge connected", zap.String("request_channel", cfg.Redis.RequestChannel))
	}

	d, err := modmail.NewDaemon(opts)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
