package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

var (
	getKey      string
	getQuery    map[string]string
	getWatch    bool
	getInterval time.Duration
)

func init() {
	getCmd.Flags().StringVar(&getKey, "key", "", "Cache key (derived from path and query when empty)")
	getCmd.Flags().StringToStringVarP(&getQuery, "query", "q", nil, "Query parameters, e.g. -q page=2 -q role=doctor")
	getCmd.Flags().BoolVarP(&getWatch, "watch", "w", false, "Keep refreshing and print every change")
	getCmd.Flags().DurationVar(&getInterval, "interval", sanago.DefaultRefreshInterval, "Refresh interval with --watch")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read an API resource cache-first",
	Long: "Print the cached copy of an API resource immediately (when there is one), then\n" +
		"revalidate it against the server and print the fresh value. Works offline.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/" + strings.TrimLeft(args[0], "/")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdown, err := setupTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := newClient(cfg, store)
		if err != nil {
			return err
		}

		query := url.Values{}
		for k, v := range getQuery {
			query.Set(k, v)
		}
		key := getKey
		if key == "" {
			key = cacheKey(path, getQuery)
		}

		session := sanago.NewSyncSession(store, sanago.SyncOptions[json.RawMessage]{
			Key: key,
			Fetch: func(ctx context.Context) (json.RawMessage, error) {
				return client.GetRaw(ctx, path, query)
			},
			AutoRefresh:     getWatch,
			RefreshInterval: getInterval,
			OnUnauthorized:  unauthorizedHint,
		})
		defer session.Close()

		if !getWatch {
			waitCtx, cancel := context.WithTimeout(ctx, parseDuration(cfg.API.Timeout, sanago.DefaultTimeout)+5*time.Second)
			defer cancel()
			st, _ := runSession(waitCtx, session)
			if st.Data == nil {
				if st.Err != nil {
					return fmt.Errorf("no cached copy and fetch failed: %w", st.Err)
				}
				return fmt.Errorf("no data for %s", path)
			}
			reportStale(st.Err)
			printJSON(*st.Data)
			return nil
		}

		var (
			mu   sync.Mutex
			last string
		)
		session.Subscribe(func(st sanago.SyncState[json.RawMessage]) {
			if st.Data == nil || st.IsSyncing {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if cur := string(*st.Data); cur != last {
				last = cur
				fmt.Printf("--- %s (%s)\n", key, time.Now().Format(time.TimeOnly))
				printJSON(*st.Data)
			}
			reportStale(st.Err)
		})
		session.Start(ctx)
		<-ctx.Done()
		return nil
	},
}

// cacheKey encodes a resource and its filters, e.g. "staff_list" for
// /staff/list or "patients_page-2_ward-a" for /patients?page=2&ward=a.
func cacheKey(path string, query map[string]string) string {
	key := strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		key += "_" + k + "-" + query[k]
	}
	return key
}
