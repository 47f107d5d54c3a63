package sanago

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultProbeURL     = "https://clients3.google.com/generate_204"
	DefaultHeartbeat    = 10 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	DefaultLinkPoll     = 1 * time.Second
)

// ============================================================================
// Link sensor
// ============================================================================

// LinkSensor reports the operating system's view of connectivity. It is a
// hint only: "up" is confirmed by a probe, "down" is trusted immediately.
type LinkSensor interface {
	Up() bool
}

// LinkSensorFunc adapts a function to LinkSensor.
type LinkSensorFunc func() bool

func (f LinkSensorFunc) Up() bool { return f() }

// InterfaceSensor reports up when any non-loopback interface is up and has
// an address.
type InterfaceSensor struct{}

func (InterfaceSensor) Up() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// ============================================================================
// Monitor
// ============================================================================

// NetworkOptions configures a NetworkMonitor. Zero values take defaults.
type NetworkOptions struct {
	ProbeURL         string
	Heartbeat        time.Duration
	ProbeTimeout     time.Duration
	LinkPollInterval time.Duration
	Sensor           LinkSensor
	HTTPClient       *http.Client
}

func (o *NetworkOptions) defaults() {
	if o.ProbeURL == "" {
		o.ProbeURL = DefaultProbeURL
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.LinkPollInterval == 0 {
		o.LinkPollInterval = DefaultLinkPoll
	}
	if o.Sensor == nil {
		o.Sensor = InterfaceSensor{}
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

// NetworkMonitor holds the single authoritative online flag. The flag only
// changes on an actual flip, and every flip is announced exactly once.
type NetworkMonitor struct {
	opts NetworkOptions

	mu      sync.Mutex
	online  bool
	linkUp  bool
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	changes listeners[bool]
}

// NewNetworkMonitor creates a monitor seeded from the link sensor.
func NewNetworkMonitor(opts *NetworkOptions) *NetworkMonitor {
	var o NetworkOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	up := o.Sensor.Up()
	return &NetworkMonitor{opts: o, online: up, linkUp: up}
}

// IsOnline returns the current connectivity flag.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for transitions. fn receives the new state.
func (m *NetworkMonitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	return m.changes.add(fn)
}

// Start probes once, then keeps probing on the heartbeat and whenever the
// link sensor flips, until ctx is done or Stop is called.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	go m.loop(ctx, stopCh, done)
}

// Stop halts the background loop and waits for it to exit.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()
	<-done
}

func (m *NetworkMonitor) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.Check(ctx)

	heartbeat := time.NewTicker(m.opts.Heartbeat)
	defer heartbeat.Stop()
	linkPoll := time.NewTicker(m.opts.LinkPollInterval)
	defer linkPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			m.Check(ctx)
		case <-linkPoll.C:
			up := m.opts.Sensor.Up()
			m.mu.Lock()
			changed := up != m.linkUp
			m.linkUp = up
			m.mu.Unlock()
			if changed {
				m.LinkChanged(ctx, up)
			}
		}
	}
}

// LinkChanged handles a hardware transition in either direction. The
// sensor only triggers the check; the probe result decides the state.
func (m *NetworkMonitor) LinkChanged(ctx context.Context, up bool) {
	log.Debug().Bool("up", up).Msg("link state changed")
	m.Check(ctx)
}

// Check runs one probe, applies its result and returns it.
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	ok := m.probe(ctx)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the network.
		return m.IsOnline()
	}
	m.setOnline(ok)
	return ok
}

// probe reports whether the probe endpoint answered at all within the
// timeout. The status code is irrelevant.
func (m *NetworkMonitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	u, err := url.Parse(m.opts.ProbeURL)
	if err != nil {
		log.Warn().Err(err).Str("url", m.opts.ProbeURL).Msg("invalid probe url")
		return false
	}
	q := u.Query()
	q.Set("_", uuid.NewString())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("connectivity probe failed")
		return false
	}
	resp.Body.Close()
	return true
}

func (m *NetworkMonitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changes.queue(online)
	m.mu.Unlock()

	if online {
		log.Info().Msg("connection restored")
	} else {
		log.Warn().Msg("connection lost")
	}
	m.changes.drain()
}
