package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

// notificationsCacheKey holds the last hydrated list for offline reads.
const notificationsCacheKey = "notifications_list"

var (
	notifJSON       bool
	notifUnreadOnly bool
	notifNoBell     bool
)

func init() {
	notificationsListCmd.Flags().BoolVar(&notifJSON, "json", false, "Output raw JSON")
	notificationsListCmd.Flags().BoolVar(&notifUnreadOnly, "unread", false, "Show only unread notifications")
	notificationsWatchCmd.Flags().BoolVar(&notifNoBell, "no-bell", false, "Do not ring the terminal bell on arrival")

	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsUnreadCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	notificationsCmd.AddCommand(notificationsWatchCmd)
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif", "n"},
	Short:   "Read and manage notifications",
}

// notificationEnv is what every notifications subcommand needs.
type notificationEnv struct {
	cfg     *Config
	store   *sanago.SecureStore
	client  *sanago.Client
	channel *sanago.NotificationChannel
}

func openNotificationEnv(ctx context.Context, opts *sanago.NotificationOptions) (*notificationEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &notificationEnv{
		cfg:     cfg,
		store:   store,
		client:  client,
		channel: sanago.NewNotificationChannel(client, opts),
	}, nil
}

func (e *notificationEnv) Close() {
	e.channel.Close()
	e.store.Close()
}

// mutate runs one optimistic mutation after hydrating, so the local view
// it reports is the server's.
func mutate(fn func(ctx context.Context, ch *sanago.NotificationChannel) error, done string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env, err := openNotificationEnv(ctx, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.channel.Hydrate(ctx); err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	if err := fn(ctx, env.channel); err != nil {
		return err
	}
	fmt.Printf("%s (%d unread)\n", done, env.channel.UnreadCount())
	return nil
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications (cached copy when offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		env, err := openNotificationEnv(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		session := sanago.NewSyncSession(env.store, sanago.SyncOptions[[]sanago.Notification]{
			Key: notificationsCacheKey,
			Fetch: func(ctx context.Context) ([]sanago.Notification, error) {
				if err := env.channel.Hydrate(ctx); err != nil {
					return nil, err
				}
				return env.channel.Notifications(), nil
			},
			OnUnauthorized: unauthorizedHint,
		})
		defer session.Close()

		st, _ := runSession(ctx, session)
		if st.Data == nil {
			if st.Err != nil {
				return fmt.Errorf("no cached copy and fetch failed: %w", st.Err)
			}
			return nil
		}
		reportStale(st.Err)

		items := *st.Data
		if notifUnreadOnly {
			filtered := items[:0:0]
			for _, n := range items {
				if n.Unread() {
					filtered = append(filtered, n)
				}
			}
			items = filtered
		}

		if notifJSON {
			b, _ := json.MarshalIndent(items, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range items {
			printNotification(n)
		}
		return nil
	},
}

var notificationsUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the server's unread count",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		env, err := openNotificationEnv(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("unread count: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark one notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(func(ctx context.Context, ch *sanago.NotificationChannel) error {
			return ch.MarkRead(ctx, args[0])
		}, "Marked "+args[0]+" as read")
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(func(ctx context.Context, ch *sanago.NotificationChannel) error {
			return ch.MarkAllRead(ctx)
		}, "Marked all as read")
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(func(ctx context.Context, ch *sanago.NotificationChannel) error {
			return ch.Delete(ctx, args[0])
		}, "Deleted "+args[0])
	},
}

var notificationsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := &sanago.NotificationOptions{}
		if !notifNoBell {
			opts.Alerter = sanago.BellAlerter{W: os.Stderr}
		}
		env, err := openNotificationEnv(ctx, opts)
		if err != nil {
			return err
		}
		defer env.Close()

		monitor := newNetworkMonitor(env.cfg)
		monitor.Start(ctx)
		defer monitor.Stop()
		env.channel.WatchNetwork(monitor)

		env.channel.OnArrival(printNotification)
		monitor.OnChange(func(online bool) {
			if online {
				fmt.Fprintln(os.Stderr, "[online]")
			} else {
				fmt.Fprintln(os.Stderr, "[offline]")
			}
		})

		push, err := newPushChannel(ctx, env.cfg, env.store, env.client)
		if err != nil {
			return err
		}
		if push == nil {
			if err := env.channel.Hydrate(ctx); err != nil {
				log.Warn().Err(err).Msg("initial hydration failed")
			}
		} else if err := env.channel.Connect(ctx, push); err != nil {
			log.Warn().Err(err).Msg("live updates unavailable, showing history only")
		}

		fmt.Fprintf(os.Stderr, "%d notifications, %d unread. Waiting for new ones (Ctrl-C to stop).\n",
			len(env.channel.Notifications()), env.channel.UnreadCount())
		<-ctx.Done()
		return nil
	},
}

func printNotification(n sanago.Notification) {
	mark := " "
	if n.Unread() {
		mark = "*"
	}
	line := fmt.Sprintf("%s %s  %s  %s", mark, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.ID, n.Data.Message)
	if n.Data.SubjectName != "" {
		line += "  [" + n.Data.SubjectName + "]"
	}
	fmt.Println(line)
}
