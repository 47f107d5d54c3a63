package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
	"github.com/jesse457/SanaGo-desktop-sub000/agent"
)

var agentListen string

func init() {
	agentCmd.Flags().StringVar(&agentListen, "listen", "", "Listen address (default from agent.listen)")
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the localhost API for the desktop renderer",
	Long: "Run the data layer as a localhost HTTP service: network status, notifications,\n" +
		"cache-first sync sessions and a server-sent event stream on /events.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := setupTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background())

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := newClient(cfg, store)
		if err != nil {
			return err
		}

		monitor := newNetworkMonitor(cfg)
		monitor.Start(ctx)
		defer monitor.Stop()

		hub := agent.NewHub()
		channel := sanago.NewNotificationChannel(client, &sanago.NotificationOptions{Alerter: hub.Alerter()})
		defer channel.Close()
		channel.WatchNetwork(monitor)

		token := cfg.Agent.Token
		if token == "" {
			token = rand.Text()
			// The shell that spawned the agent reads this line.
			fmt.Printf("SANAGO_AGENT_TOKEN=%s\n", token)
		}

		srv, err := agent.New(agent.Config{
			Token:         token,
			WebhookSecret: cfg.Agent.WebhookSecret,
			AllowOrigins:  splitList(cfg.Agent.AllowOrigins),
		}, agent.Deps{
			Store:         store,
			Client:        client,
			Network:       monitor,
			Notifications: channel,
			Hub:           hub,
		})
		if err != nil {
			return err
		}

		// Live push needs a signed-in user; without one the agent still
		// serves cached data.
		go func() {
			push, err := newPushChannel(ctx, cfg, store, client)
			if err != nil {
				log.Warn().Err(err).Msg("live notifications disabled")
				_ = channel.Hydrate(ctx)
				return
			}
			if push == nil {
				_ = channel.Hydrate(ctx)
				return
			}
			if err := channel.Connect(ctx, push); err != nil {
				log.Warn().Err(err).Msg("push transport failed to connect")
			}
		}()

		listen := agentListen
		if listen == "" {
			listen = cfg.Agent.Listen
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(listen) }()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("agent server: %w", err)
			}
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down agent")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("agent shutdown error")
		}
		return nil
	},
}
