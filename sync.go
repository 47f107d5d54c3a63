package sanago

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRefreshInterval is used when auto-refresh is on and no interval
// was given.
const DefaultRefreshInterval = 30 * time.Second

var errNoFetch = errors.New("sync: no fetch operation configured")

// FetchFunc loads the authoritative value of a resource. Failures carrying
// an *APIError with status 401 trigger the unauthorized callback.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// SyncOptions configures a SyncSession.
type SyncOptions[T any] struct {
	// Key names the cache slot. Callers usually encode resource name plus
	// filters, e.g. "staff_list_p2_rdoctor_sactive_q".
	Key             string
	Fetch           FetchFunc[T]
	AutoRefresh     bool
	RefreshInterval time.Duration
	OnUnauthorized  func()
}

// SyncState is a snapshot of a session as seen by a view.
type SyncState[T any] struct {
	Data      *T
	IsLoading bool
	IsSyncing bool
	Err       error
}

// SyncSession is a cache-then-revalidate view of one keyed resource.
//
// Start hydrates from the store synchronously, then revalidates against the
// fetch operation in the background. Data is never cleared by a failed
// revalidation, and IsLoading never returns to true within one key.
// Results are applied last-resolved-wins.
type SyncSession[T any] struct {
	store Store

	// Latest-strategy slots, read at call time.
	fetch          atomic.Pointer[FetchFunc[T]]
	onUnauthorized atomic.Pointer[func()]

	mu          sync.Mutex
	ctx         context.Context
	key         string
	epoch       uint64
	started     bool
	alive       bool
	inflight    int
	state       SyncState[T]
	autoRefresh bool
	interval    time.Duration
	stopTimer   chan struct{}

	changes listeners[SyncState[T]]
}

// NewSyncSession creates an unstarted session. Call Start to mount it.
func NewSyncSession[T any](store Store, opts SyncOptions[T]) *SyncSession[T] {
	s := &SyncSession[T]{
		store:       store,
		ctx:         context.Background(),
		key:         opts.Key,
		state:       SyncState[T]{IsLoading: true},
		autoRefresh: opts.AutoRefresh,
		interval:    opts.RefreshInterval,
	}
	if s.interval <= 0 {
		s.interval = DefaultRefreshInterval
	}
	s.SetFetch(opts.Fetch)
	s.SetOnUnauthorized(opts.OnUnauthorized)
	return s
}

// Start mounts the session: it reads the cached value (available in State
// as soon as Start returns), starts the refresh timer and launches the
// first revalidation. Fetches run on a context detached from ctx's
// cancellation; Close stops state updates, not requests.
func (s *SyncSession[T]) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.alive = true
	s.ctx = context.WithoutCancel(ctx)
	epoch, key := s.epoch, s.key
	s.mu.Unlock()

	s.startup(epoch, key)
}

// Close unmounts the session. In-flight revalidations still write the
// store but no longer touch state.
func (s *SyncSession[T]) Close() {
	s.mu.Lock()
	s.alive = false
	s.stopTimerLocked()
	s.mu.Unlock()
	s.changes.removeAll()
}

// State returns the current snapshot.
func (s *SyncSession[T]) State() SyncState[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns the current cache key.
func (s *SyncSession[T]) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Subscribe registers fn for every state change.
func (s *SyncSession[T]) Subscribe(fn func(SyncState[T])) (unsubscribe func()) {
	return s.changes.add(fn)
}

// SetFetch replaces the fetch operation. The next revalidation uses it;
// no revalidation is triggered by the swap itself.
func (s *SyncSession[T]) SetFetch(fn FetchFunc[T]) {
	if fn == nil {
		fn = func(context.Context) (T, error) {
			var zero T
			return zero, errNoFetch
		}
	}
	s.fetch.Store(&fn)
}

func (s *SyncSession[T]) SetOnUnauthorized(fn func()) {
	s.onUnauthorized.Store(&fn)
}

// SetKey switches the session to another cache slot. A different key
// resets state to loading and reruns the whole startup sequence.
func (s *SyncSession[T]) SetKey(key string) {
	s.mu.Lock()
	if key == s.key {
		s.mu.Unlock()
		return
	}
	s.key = key
	s.epoch++
	s.inflight = 0
	s.state = SyncState[T]{IsLoading: true}
	s.stopTimerLocked()
	running := s.started && s.alive
	epoch := s.epoch
	if running {
		s.changes.queue(s.state)
	}
	s.mu.Unlock()

	if !running {
		return
	}
	s.changes.drain()
	s.startup(epoch, key)
}

// SetRefresh changes the auto-refresh settings, recreating the timer when
// they differ.
func (s *SyncSession[T]) SetRefresh(auto bool, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if auto == s.autoRefresh && interval == s.interval {
		return
	}
	s.autoRefresh = auto
	s.interval = interval
	if s.started && s.alive {
		s.restartTimerLocked()
	}
}

// Refetch runs an out-of-band revalidation and waits for it, or for ctx.
// The outcome is reported through State, never returned.
func (s *SyncSession[T]) Refetch(ctx context.Context) {
	s.mu.Lock()
	if !s.started || !s.alive {
		s.mu.Unlock()
		return
	}
	epoch, key := s.epoch, s.key
	s.mu.Unlock()

	if !s.begin(epoch) {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.revalidate(epoch, key)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ── Internals ────────────────────────────────────────────

func (s *SyncSession[T]) startup(epoch uint64, key string) {
	if v, ok := LoadJSON[T](s.detached(), s.store, key); ok {
		s.update(epoch, func(st *SyncState[T]) {
			st.Data = &v
			st.IsLoading = false
		})
	}

	s.mu.Lock()
	if s.epoch == epoch && s.alive {
		s.restartTimerLocked()
	}
	s.mu.Unlock()

	if s.begin(epoch) {
		go s.revalidate(epoch, key)
	}
}

func (s *SyncSession[T]) detached() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// begin marks a revalidation as in flight.
func (s *SyncSession[T]) begin(epoch uint64) bool {
	return s.update(epoch, func(st *SyncState[T]) {
		s.inflight++
		st.IsSyncing = true
	})
}

func (s *SyncSession[T]) revalidate(epoch uint64, key string) {
	ctx, span := tracer().Start(s.detached(), "sync.revalidate",
		trace.WithAttributes(attribute.String("sync.key", key)))
	defer span.End()

	fetch := *s.fetch.Load()
	v, err := fetch(ctx)
	if err == nil {
		// The store write is not guarded: the cache stays correct even
		// after unmount or a key switch.
		if !s.store.Set(ctx, key, v) {
			log.Debug().Str("key", key).Msg("revalidated value not persisted")
		}
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	unauthorized := false
	s.update(epoch, func(st *SyncState[T]) {
		if err == nil {
			st.Data = &v
			st.Err = nil
		} else {
			st.Err = err
			unauthorized = IsUnauthorized(err)
		}
		if s.inflight > 0 {
			s.inflight--
		}
		st.IsSyncing = s.inflight > 0
		st.IsLoading = false
	})

	if unauthorized {
		if fn := *s.onUnauthorized.Load(); fn != nil {
			fn()
		}
	}
}

// update applies fn to the state if the session is alive and still on
// epoch, then notifies subscribers. It reports whether fn ran.
func (s *SyncSession[T]) update(epoch uint64, fn func(*SyncState[T])) bool {
	s.mu.Lock()
	if !s.alive || s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	fn(&s.state)
	s.changes.queue(s.state)
	s.mu.Unlock()

	s.changes.drain()
	return true
}

func (s *SyncSession[T]) restartTimerLocked() {
	s.stopTimerLocked()
	if !s.autoRefresh {
		return
	}
	stop := make(chan struct{})
	s.stopTimer = stop
	go s.tick(s.epoch, s.interval, stop)
}

func (s *SyncSession[T]) stopTimerLocked() {
	if s.stopTimer != nil {
		close(s.stopTimer)
		s.stopTimer = nil
	}
}

func (s *SyncSession[T]) tick(epoch uint64, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			key, current := s.key, s.epoch == epoch && s.alive
			s.mu.Unlock()
			if !current {
				return
			}
			if s.begin(epoch) {
				go s.revalidate(epoch, key)
			}
		}
	}
}
