package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

// runSession starts s and waits until its first revalidation settles or
// ctx ends. It reports whether a cached value was available at start.
func runSession[T any](ctx context.Context, s *sanago.SyncSession[T]) (sanago.SyncState[T], bool) {
	// The cache hit emits a settled-looking state before the first
	// revalidation begins; only a state after syncing counts.
	var synced atomic.Bool
	settled := make(chan struct{}, 1)
	unsub := s.Subscribe(func(st sanago.SyncState[T]) {
		if st.IsSyncing {
			synced.Store(true)
			return
		}
		if synced.Load() && !st.IsLoading {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	s.Start(ctx)
	cached := s.State().Data != nil

	if st := s.State(); !st.IsLoading && !st.IsSyncing {
		return st, cached
	}
	select {
	case <-settled:
	case <-ctx.Done():
	}
	return s.State(), cached
}

// reportStale prints why the shown value may be out of date.
func reportStale(err error) {
	if err == nil {
		return
	}
	if sanago.IsUnauthorized(err) {
		fmt.Fprintln(os.Stderr, "warning: not signed in or token expired; showing cached data")
		return
	}
	fmt.Fprintf(os.Stderr, "warning: could not refresh (%v); showing cached data\n", err)
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
