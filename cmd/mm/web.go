package main

import (
	"github.com/spf13/cobra"

	"github.com/zulandar/modmail/internal/bridge"
	"github.com/zulandar/modmail/internal/logging"
	"github.com/zulandar/modmail/internal/web"
)

func newWebCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "web",
		Short: "Start the HTTP API",
		Long:  "Serves platform state through the bridge and thread logs from the database. Needs a running bot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWeb(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default web.port from config)")
	return cmd
}

func runWeb(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Web.Port
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext(out)
	defer cancel()

	client, err := bridge.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	req, err := bridge.NewRequester(bridge.RequesterOpts{
		Transport:       bridge.NewRedisTransport(client),
		RequestChannel:  cfg.Redis.RequestChannel,
		ResponseChannel: cfg.Redis.ResponseChannel,
		MaxListeners:    cfg.Bridge.MaxListeners,
		MaxResponseTime: cfg.Bridge.MaxResponseTime(),
		Logger:          logger.Named("bridge"),
	})
	if err != nil {
		return err
	}
	if err := req.Start(ctx); err != nil {
		return err
	}
	defer req.Close()

	return web.Start(ctx, web.StartOpts{
		Bridge: req,
		DB:     gormDB,
		Port:   port,
		Logger: logger.Named("web"),
		Out:    out,
	})
}
