package sanago

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func upSensor() LinkSensor { return LinkSensorFunc(func() bool { return true }) }

func statusServer(code int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
}

func TestNetworkCheckAnyResponseIsOnline(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusOK, http.StatusInternalServerError, http.StatusNotFound} {
		srv := statusServer(code)
		m := NewNetworkMonitor(&NetworkOptions{ProbeURL: srv.URL, Sensor: upSensor()})
		if !m.Check(context.Background()) {
			t.Errorf("status %d: expected online", code)
		}
		srv.Close()
	}
}

func TestNetworkCheckTimeoutIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{
		ProbeURL:     srv.URL,
		ProbeTimeout: 20 * time.Millisecond,
		Sensor:       upSensor(),
	})
	if m.Check(context.Background()) {
		t.Fatal("expected a probe timeout to read as offline")
	}
	if m.IsOnline() {
		t.Fatal("flag should follow the probe")
	}
}

func TestNetworkCheckUnreachableIsOffline(t *testing.T) {
	srv := statusServer(http.StatusNoContent)
	url := srv.URL
	srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{ProbeURL: url, Sensor: upSensor()})
	if m.Check(context.Background()) {
		t.Fatal("expected offline for a closed server")
	}
}

func TestNetworkProbeBypassesCaches(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("missing Cache-Control header")
		}
		mu.Lock()
		seen[r.URL.Query().Get("_")] = true
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{ProbeURL: srv.URL, Sensor: upSensor()})
	m.Check(context.Background())
	m.Check(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[""] {
		t.Fatalf("expected two distinct cache-busting params, got %v", seen)
	}
}

func TestNetworkEmitsOnlyOnFlip(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{ProbeURL: srv.URL, Sensor: upSensor()})
	var (
		mu     sync.Mutex
		events []bool
	)
	m.OnChange(func(online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	ctx := context.Background()
	m.Check(ctx)
	m.Check(ctx)
	up.Store(false)
	m.Check(ctx)
	m.Check(ctx)
	up.Store(true)
	m.Check(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != false || events[1] != true {
		t.Fatalf("expected [false true], got %v", events)
	}
}

func TestNetworkLinkChangesAreVerified(t *testing.T) {
	var (
		probes    atomic.Int32
		reachable atomic.Bool
	)
	reachable.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if !reachable.Load() {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{ProbeURL: srv.URL, Sensor: upSensor()})
	ctx := context.Background()

	// A flapping sensor alone does not take the monitor offline.
	m.LinkChanged(ctx, false)
	if !m.IsOnline() || probes.Load() != 1 {
		t.Fatalf("link down should be verified by one probe (online=%v probes=%d)", m.IsOnline(), probes.Load())
	}

	reachable.Store(false)
	m.LinkChanged(ctx, false)
	if m.IsOnline() || probes.Load() != 2 {
		t.Fatalf("failed probe after link down should go offline (online=%v probes=%d)", m.IsOnline(), probes.Load())
	}

	reachable.Store(true)
	m.LinkChanged(ctx, true)
	if !m.IsOnline() || probes.Load() != 3 {
		t.Fatalf("link up should be confirmed by one probe (online=%v probes=%d)", m.IsOnline(), probes.Load())
	}
}

func TestNetworkStartProbesAndPollsLink(t *testing.T) {
	var link, reachable atomic.Bool
	reachable.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !reachable.Load() {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{
		ProbeURL:         srv.URL,
		Heartbeat:        time.Hour,
		LinkPollInterval: 10 * time.Millisecond,
		Sensor:           LinkSensorFunc(link.Load),
	})
	if m.IsOnline() {
		t.Fatal("expected seed from sensor (down)")
	}

	changes := make(chan bool, 8)
	m.OnChange(func(online bool) { changes <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	// The initial probe succeeds even though the sensor says down.
	if got := <-changes; !got {
		t.Fatal("expected initial probe to report online")
	}

	link.Store(true)
	time.Sleep(60 * time.Millisecond)
	reachable.Store(false)
	link.Store(false)
	select {
	case got := <-changes:
		if got {
			t.Fatal("expected offline after link went down")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not detected")
	}
}

func TestNetworkStopIsIdempotent(t *testing.T) {
	srv := statusServer(http.StatusNoContent)
	defer srv.Close()

	m := NewNetworkMonitor(&NetworkOptions{ProbeURL: srv.URL, Heartbeat: time.Hour, Sensor: upSensor()})
	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}
