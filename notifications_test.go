package sanago

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeNotificationAPI is an in-memory NotificationAPI. The zero value
// serves an empty history.
type fakeNotificationAPI struct {
	mu        sync.Mutex
	items     []Notification
	unread    int
	listErr   error
	updateErr error
	lists     int
	marked    []string
	deleted   []string
}

func (f *fakeNotificationAPI) ListNotifications(context.Context) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Notification(nil), f.items...), nil
}

func (f *fakeNotificationAPI) UnreadCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return 0, f.listErr
	}
	return f.unread, nil
}

func (f *fakeNotificationAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return f.updateErr
}

func (f *fakeNotificationAPI) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, "*")
	return f.updateErr
}

func (f *fakeNotificationAPI) DeleteNotification(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.updateErr
}

func (f *fakeNotificationAPI) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func note(id string, read bool) Notification {
	n := Notification{
		ID:        id,
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Data:      NotificationData{Message: "message " + id},
	}
	if read {
		at := n.CreatedAt.Add(time.Minute)
		n.ReadAt = &at
	}
	return n
}

func pushJSON(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"data":{"message":"push %s"}}`, id, id))
}

func TestHydrateReplacesAndDedupes(t *testing.T) {
	api := &fakeNotificationAPI{
		items:  []Notification{note("a", false), note("b", true), note("a", false)},
		unread: 1,
	}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()

	if err := ch.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	items := ch.Notifications()
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
		t.Fatalf("unexpected list: %+v", items)
	}
	if ch.UnreadCount() != 1 {
		t.Fatalf("expected server unread count, got %d", ch.UnreadCount())
	}
}

func TestHydrateFailureKeepsList(t *testing.T) {
	api := &fakeNotificationAPI{items: []Notification{note("a", false)}, unread: 1}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()
	ch.Hydrate(context.Background())

	api.mu.Lock()
	api.listErr = errors.New("offline")
	api.mu.Unlock()

	if err := ch.Hydrate(context.Background()); err == nil {
		t.Fatal("expected hydrate error")
	}
	if len(ch.Notifications()) != 1 || ch.UnreadCount() != 1 {
		t.Fatalf("list should survive a failed hydrate: %+v", ch.Snapshot())
	}
}

func TestHandlePush(t *testing.T) {
	ch := NewNotificationChannel(&fakeNotificationAPI{items: []Notification{note("old", true)}}, nil)
	defer ch.Close()
	ch.Hydrate(context.Background())

	var arrivals []string
	ch.OnArrival(func(n Notification) { arrivals = append(arrivals, n.ID) })

	t.Run("inserts at head", func(t *testing.T) {
		if !ch.HandlePush(pushJSON("new")) {
			t.Fatal("expected insert")
		}
		items := ch.Notifications()
		if len(items) != 2 || items[0].ID != "new" {
			t.Fatalf("unexpected list: %+v", items)
		}
		if ch.UnreadCount() != 1 {
			t.Fatalf("expected unread 1, got %d", ch.UnreadCount())
		}
		if l := ch.Latest(); l == nil || l.ID != "new" {
			t.Fatalf("expected latest toast, got %+v", l)
		}
	})

	t.Run("duplicate ignored", func(t *testing.T) {
		if ch.HandlePush(pushJSON("new")) {
			t.Fatal("duplicate must not insert")
		}
		if len(ch.Notifications()) != 2 || ch.UnreadCount() != 1 {
			t.Fatalf("duplicate changed state: %+v", ch.Snapshot())
		}
	})

	t.Run("malformed dropped", func(t *testing.T) {
		if ch.HandlePush(json.RawMessage(`{"data":{"message":"no id"}}`)) {
			t.Fatal("payload without id must be dropped")
		}
		if ch.HandlePush(json.RawMessage(`not json`)) {
			t.Fatal("invalid json must be dropped")
		}
	})

	if len(arrivals) != 1 || arrivals[0] != "new" {
		t.Fatalf("expected one arrival, got %v", arrivals)
	}
}

func TestToastExpires(t *testing.T) {
	ch := NewNotificationChannel(&fakeNotificationAPI{}, &NotificationOptions{ToastDuration: 100 * time.Millisecond})
	defer ch.Close()

	ch.HandlePush(pushJSON("a"))
	time.Sleep(40 * time.Millisecond)
	ch.HandlePush(pushJSON("b"))

	// The first toast's timer must not clear the second one.
	time.Sleep(80 * time.Millisecond)
	if l := ch.Latest(); l == nil || l.ID != "b" {
		t.Fatalf("expected b to still be surfaced, got %+v", l)
	}
	waitFor(t, func() bool { return ch.Latest() == nil }, "toast expiry")
	if len(ch.Notifications()) != 2 {
		t.Fatal("expiry must not remove items")
	}
}

func TestDismissLatest(t *testing.T) {
	ch := NewNotificationChannel(&fakeNotificationAPI{}, nil)
	defer ch.Close()
	ch.HandlePush(pushJSON("a"))
	ch.DismissLatest()
	if ch.Latest() != nil {
		t.Fatal("expected toast dismissed")
	}
}

func TestAlerterFailureIsSwallowed(t *testing.T) {
	var played atomic.Int32
	ch := NewNotificationChannel(&fakeNotificationAPI{}, &NotificationOptions{
		Alerter: AlerterFunc(func(context.Context) error {
			played.Add(1)
			return errors.New("no audio device")
		}),
	})
	defer ch.Close()

	if !ch.HandlePush(pushJSON("a")) {
		t.Fatal("alert failure must not block insertion")
	}
	waitFor(t, func() bool { return played.Load() == 1 }, "alert")

	panicky := NewNotificationChannel(&fakeNotificationAPI{}, &NotificationOptions{
		Alerter: AlerterFunc(func(context.Context) error { panic("driver crashed") }),
	})
	defer panicky.Close()
	if !panicky.HandlePush(pushJSON("b")) {
		t.Fatal("alert panic must not block insertion")
	}
	time.Sleep(20 * time.Millisecond)
}

func TestMarkRead(t *testing.T) {
	api := &fakeNotificationAPI{items: []Notification{note("a", false), note("b", false)}, unread: 2}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()
	ch.Hydrate(context.Background())

	if err := ch.MarkRead(context.Background(), "a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if ch.UnreadCount() != 1 || ch.Notifications()[0].Unread() {
		t.Fatalf("unexpected state: %+v", ch.Snapshot())
	}

	// Marking an already read item does not decrement again.
	ch.MarkRead(context.Background(), "a")
	if ch.UnreadCount() != 1 {
		t.Fatalf("expected unread 1, got %d", ch.UnreadCount())
	}
	if len(api.marked) != 2 {
		t.Fatalf("expected two remote calls, got %v", api.marked)
	}
}

func TestMarkAllRead(t *testing.T) {
	api := &fakeNotificationAPI{items: []Notification{note("a", false), note("b", false)}, unread: 2}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()
	ch.Hydrate(context.Background())

	if err := ch.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if ch.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread, got %d", ch.UnreadCount())
	}
	for _, n := range ch.Notifications() {
		if n.Unread() {
			t.Fatalf("%s still unread", n.ID)
		}
	}
}

func TestDeleteUnreadDecrements(t *testing.T) {
	api := &fakeNotificationAPI{items: []Notification{note("a", false), note("b", true)}, unread: 1}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()
	ch.Hydrate(context.Background())

	if err := ch.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	items := ch.Notifications()
	if len(items) != 1 || items[0].ID != "b" || ch.UnreadCount() != 0 {
		t.Fatalf("unexpected state: %+v", ch.Snapshot())
	}
}

func TestRejectedUpdateRehydrates(t *testing.T) {
	api := &fakeNotificationAPI{items: []Notification{note("a", false)}, unread: 1}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()
	ch.Hydrate(context.Background())

	api.mu.Lock()
	api.updateErr = errors.New("server error")
	api.mu.Unlock()

	cases := []struct {
		name string
		op   func() error
	}{
		{"mark read", func() error { return ch.MarkRead(context.Background(), "a") }},
		{"mark all", func() error { return ch.MarkAllRead(context.Background()) }},
		{"delete", func() error { return ch.Delete(context.Background(), "a") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := api.listCalls()
			if err := tc.op(); err == nil {
				t.Fatal("expected the remote error")
			}
			if api.listCalls() != before+1 {
				t.Fatal("expected a re-hydration")
			}
			items := ch.Notifications()
			if len(items) != 1 || !items[0].Unread() || ch.UnreadCount() != 1 {
				t.Fatalf("expected server state restored, got %+v", ch.Snapshot())
			}
		})
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	ch := NewNotificationChannel(&fakeNotificationAPI{}, nil)
	defer ch.Close()

	var got []int
	unsub := ch.Subscribe(func(s NotificationSnapshot) { got = append(got, s.Unread) })
	ch.HandlePush(pushJSON("a"))
	ch.HandlePush(pushJSON("b"))
	unsub()
	ch.HandlePush(pushJSON("c"))

	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("unexpected snapshots: %v", got)
	}
}

// fakePush is a PushChannel driven by the test.
type fakePush struct {
	mu           sync.Mutex
	handler      func(json.RawMessage)
	connected    bool
	disconnected bool
	connectErr   error
}

func (p *fakePush) OnNotification(h func(json.RawMessage)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *fakePush) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = p.connectErr == nil
	return p.connectErr
}

func (p *fakePush) Disconnect() error {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	return nil
}

func (p *fakePush) deliver(raw json.RawMessage) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h(raw)
}

func TestConnectHydratesAndDelivers(t *testing.T) {
	api := &fakeNotificationAPI{items: []Notification{note("a", true)}}
	ch := NewNotificationChannel(api, nil)
	push := &fakePush{}

	if err := ch.Connect(context.Background(), push); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(ch.Notifications()) != 1 {
		t.Fatal("expected history hydrated")
	}
	push.deliver(pushJSON("b"))
	if ch.Notifications()[0].ID != "b" || ch.UnreadCount() != 1 {
		t.Fatalf("push not applied: %+v", ch.Snapshot())
	}

	ch.Close()
	if !push.disconnected {
		t.Fatal("close should disconnect the push channel")
	}
}

func TestConnectSurvivesHydrateFailure(t *testing.T) {
	ch := NewNotificationChannel(&fakeNotificationAPI{listErr: errors.New("offline")}, nil)
	defer ch.Close()
	push := &fakePush{}
	if err := ch.Connect(context.Background(), push); err != nil {
		t.Fatalf("connect: %v", err)
	}
	push.deliver(pushJSON("a"))
	if len(ch.Notifications()) != 1 {
		t.Fatal("live delivery should work without history")
	}

	failing := NewNotificationChannel(&fakeNotificationAPI{}, nil)
	defer failing.Close()
	if err := failing.Connect(context.Background(), &fakePush{connectErr: errors.New("refused")}); err == nil {
		t.Fatal("expected connect error")
	}
}

func TestWatchNetworkRehydratesOnReconnect(t *testing.T) {
	api := &fakeNotificationAPI{}
	ch := NewNotificationChannel(api, nil)
	defer ch.Close()

	m := NewNetworkMonitor(&NetworkOptions{Sensor: upSensor(), ProbeURL: "http://127.0.0.1:0"})
	ch.WatchNetwork(m)

	m.setOnline(false)
	if api.listCalls() != 0 {
		t.Fatal("going offline must not hydrate")
	}
	m.setOnline(true)
	waitFor(t, func() bool { return api.listCalls() == 1 }, "re-hydration")
}
