package sanago

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultToastDuration is how long the latest arrival stays surfaced.
	DefaultToastDuration = 6 * time.Second

	rollbackTimeout = 30 * time.Second
)

// NotificationAPI is the remote side of the notification channel.
// *Client implements it.
type NotificationAPI interface {
	ListNotifications(ctx context.Context) ([]Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
}

// PushChannel delivers raw live events for the current user.
type PushChannel interface {
	OnNotification(h func(json.RawMessage))
	Connect(ctx context.Context) error
	Disconnect() error
}

// ============================================================================
// Alerts
// ============================================================================

// Alerter plays the audible cue for a live arrival.
type Alerter interface {
	Play(ctx context.Context) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context) error

func (f AlerterFunc) Play(ctx context.Context) error { return f(ctx) }

// BellAlerter rings the terminal bell on W.
type BellAlerter struct {
	W io.Writer
}

func (b BellAlerter) Play(context.Context) error {
	if b.W == nil {
		return nil
	}
	_, err := io.WriteString(b.W, "\a")
	return err
}

// ============================================================================
// Channel
// ============================================================================

// NotificationOptions configures a NotificationChannel.
type NotificationOptions struct {
	ToastDuration time.Duration
	Alerter       Alerter
}

func (o *NotificationOptions) defaults() {
	if o.ToastDuration == 0 {
		o.ToastDuration = DefaultToastDuration
	}
}

// NotificationSnapshot is the materialized view handed to subscribers.
type NotificationSnapshot struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
	Latest *Notification  `json:"latest"`
}

// NotificationChannel keeps a deduplicated, newest-first list of the
// user's notifications, fed by history hydration and live pushes.
//
// Mutations are optimistic. When the remote call behind MarkRead,
// MarkAllRead or Delete fails, the channel re-hydrates from the server.
type NotificationChannel struct {
	api  NotificationAPI
	opts NotificationOptions

	mu       sync.Mutex
	items    []Notification
	unread   int
	latest   *Notification
	toast    *time.Timer
	toastSeq uint64
	push     PushChannel
	unwatch  func()

	changes  listeners[NotificationSnapshot]
	arrivals listeners[Notification]
}

// NewNotificationChannel creates an empty channel.
func NewNotificationChannel(api NotificationAPI, opts *NotificationOptions) *NotificationChannel {
	var o NotificationOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &NotificationChannel{api: api, opts: o}
}

// Subscribe registers fn for every change of the materialized view.
func (c *NotificationChannel) Subscribe(fn func(NotificationSnapshot)) (unsubscribe func()) {
	return c.changes.add(fn)
}

// OnArrival registers fn for each accepted live notification.
func (c *NotificationChannel) OnArrival(fn func(Notification)) (unsubscribe func()) {
	return c.arrivals.add(fn)
}

// Snapshot returns a copy of the current view.
func (c *NotificationChannel) Snapshot() NotificationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *NotificationChannel) Notifications() []Notification { return c.Snapshot().Items }

func (c *NotificationChannel) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Latest returns the notification currently surfaced as a toast, if any.
func (c *NotificationChannel) Latest() *Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	n := *c.latest
	return &n
}

func (c *NotificationChannel) snapshotLocked() NotificationSnapshot {
	snap := NotificationSnapshot{
		Items:  append([]Notification(nil), c.items...),
		Unread: c.unread,
	}
	if c.latest != nil {
		n := *c.latest
		snap.Latest = &n
	}
	return snap
}

// commit applies fn under the lock and notifies subscribers.
func (c *NotificationChannel) commit(fn func()) {
	c.mu.Lock()
	fn()
	c.changes.queue(c.snapshotLocked())
	c.mu.Unlock()
	c.changes.drain()
}

// ── Hydration ────────────────────────────────────────────

// Hydrate fetches history and the unread count concurrently and replaces
// the local view with them. On failure the current view is kept.
func (c *NotificationChannel) Hydrate(ctx context.Context) error {
	var (
		items  []Notification
		unread int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = c.api.ListNotifications(gctx)
		if err != nil {
			return fmt.Errorf("list notifications: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		unread, err = c.api.UnreadCount(gctx)
		if err != nil {
			return fmt.Errorf("unread count: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("notification hydration failed, keeping current list")
		return err
	}

	items = dedupe(items)
	c.commit(func() {
		c.items = items
		c.unread = unread
	})
	log.Debug().Int("count", len(items)).Int("unread", unread).Msg("notifications hydrated")
	return nil
}

func dedupe(items []Notification) []Notification {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, n := range items {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

// ── Live arrival ─────────────────────────────────────────

// HandlePush normalizes a live event and inserts it at the head of the
// list. Events whose id is already present are dropped. It reports
// whether the event was inserted.
func (c *NotificationChannel) HandlePush(raw json.RawMessage) bool {
	n, err := ParseNotification(raw)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed push event")
		return false
	}

	c.mu.Lock()
	for _, existing := range c.items {
		if existing.ID == n.ID {
			c.mu.Unlock()
			log.Debug().Str("id", n.ID).Msg("duplicate push event ignored")
			return false
		}
	}
	c.items = append([]Notification{n}, c.items...)
	c.unread++
	latest := n
	c.latest = &latest
	c.toastSeq++
	seq := c.toastSeq
	if c.toast != nil {
		c.toast.Stop()
	}
	c.toast = time.AfterFunc(c.opts.ToastDuration, func() { c.expireToast(seq) })
	c.changes.queue(c.snapshotLocked())
	c.arrivals.queue(n)
	c.mu.Unlock()

	c.changes.drain()
	c.arrivals.drain()
	c.playAlert()
	return true
}

func (c *NotificationChannel) expireToast(seq uint64) {
	c.mu.Lock()
	if seq != c.toastSeq || c.latest == nil {
		c.mu.Unlock()
		return
	}
	c.latest = nil
	c.toast = nil
	c.changes.queue(c.snapshotLocked())
	c.mu.Unlock()
	c.changes.drain()
}

// DismissLatest hides the current toast early.
func (c *NotificationChannel) DismissLatest() {
	c.commit(func() {
		if c.toast != nil {
			c.toast.Stop()
			c.toast = nil
		}
		c.latest = nil
	})
}

func (c *NotificationChannel) playAlert() {
	if c.opts.Alerter == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Debug().Interface("panic", r).Msg("alert panicked")
			}
		}()
		if err := c.opts.Alerter.Play(context.Background()); err != nil {
			log.Debug().Err(err).Msg("alert failed")
		}
	}()
}

// ── Mutations ────────────────────────────────────────────

// MarkRead marks one notification read locally, then remotely.
func (c *NotificationChannel) MarkRead(ctx context.Context, id string) error {
	now := time.Now().UTC()
	c.commit(func() {
		for i := range c.items {
			if c.items[i].ID == id && c.items[i].Unread() {
				c.items[i].ReadAt = &now
				c.decrementLocked()
				break
			}
		}
	})
	return c.remote(ctx, "mark read", c.api.MarkNotificationRead(ctx, id))
}

// MarkAllRead marks every notification read locally, then remotely.
func (c *NotificationChannel) MarkAllRead(ctx context.Context) error {
	now := time.Now().UTC()
	c.commit(func() {
		for i := range c.items {
			if c.items[i].Unread() {
				c.items[i].ReadAt = &now
			}
		}
		c.unread = 0
	})
	return c.remote(ctx, "mark all read", c.api.MarkAllNotificationsRead(ctx))
}

// Delete removes a notification locally, then remotely.
func (c *NotificationChannel) Delete(ctx context.Context, id string) error {
	c.commit(func() {
		for i := range c.items {
			if c.items[i].ID != id {
				continue
			}
			if c.items[i].Unread() {
				c.decrementLocked()
			}
			c.items = append(c.items[:i:i], c.items[i+1:]...)
			break
		}
		if c.latest != nil && c.latest.ID == id {
			c.latest = nil
		}
	})
	return c.remote(ctx, "delete", c.api.DeleteNotification(ctx, id))
}

func (c *NotificationChannel) decrementLocked() {
	if c.unread > 0 {
		c.unread--
	}
}

// remote reconciles a failed optimistic mutation by re-hydrating.
func (c *NotificationChannel) remote(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("op", op).Msg("notification update rejected, re-hydrating")
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if herr := c.Hydrate(rctx); herr != nil {
		log.Warn().Err(herr).Str("op", op).Msg("rollback hydration failed")
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ── Lifecycle ────────────────────────────────────────────

// Connect hydrates, then attaches to push and connects it. A failed
// hydration is logged and does not prevent live delivery.
func (c *NotificationChannel) Connect(ctx context.Context, push PushChannel) error {
	_ = c.Hydrate(ctx)

	c.mu.Lock()
	c.push = push
	c.mu.Unlock()

	push.OnNotification(func(raw json.RawMessage) { c.HandlePush(raw) })
	if err := push.Connect(ctx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	return nil
}

// WatchNetwork re-hydrates every time m reports connectivity restored.
func (c *NotificationChannel) WatchNetwork(m *NetworkMonitor) {
	unsub := m.OnChange(func(online bool) {
		if !online {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
			defer cancel()
			_ = c.Hydrate(ctx)
		}()
	})

	c.mu.Lock()
	if c.unwatch != nil {
		c.unwatch()
	}
	c.unwatch = unsub
	c.mu.Unlock()
}

// Close detaches from the network monitor and the push channel and stops
// the toast timer.
func (c *NotificationChannel) Close() error {
	c.mu.Lock()
	push, unwatch := c.push, c.unwatch
	c.push, c.unwatch = nil, nil
	if c.toast != nil {
		c.toast.Stop()
		c.toast = nil
	}
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if push != nil {
		return push.Disconnect()
	}
	return nil
}
