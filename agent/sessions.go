package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

var (
	errSessionNotFound = errors.New("session not found")
	errKeyRequired     = errors.New("key is required")
	errPathRequired    = errors.New("path is required")
)

// Fetcher performs the authenticated GET behind a session. *sanago.Client
// implements it.
type Fetcher interface {
	GetRaw(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
}

// SessionConfig describes a sync session requested by the renderer.
type SessionConfig struct {
	Key               string            `json:"key"`
	Path              string            `json:"path"`
	Query             map[string]string `json:"query,omitempty"`
	AutoRefresh       bool              `json:"auto_refresh"`
	RefreshIntervalMS int64             `json:"refresh_interval_ms,omitempty"`
}

// SessionPatch reconfigures a session. Nil fields are left unchanged.
type SessionPatch struct {
	Key               *string           `json:"key"`
	Path              *string           `json:"path"`
	Query             map[string]string `json:"query"`
	AutoRefresh       *bool             `json:"auto_refresh"`
	RefreshIntervalMS *int64            `json:"refresh_interval_ms"`
}

// SessionView is the JSON form of a session's state.
type SessionView struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	IsLoading    bool            `json:"is_loading"`
	IsSyncing    bool            `json:"is_syncing"`
	Error        string          `json:"error,omitempty"`
	Unauthorized bool            `json:"unauthorized,omitempty"`
}

type sessionEntry struct {
	id      string
	conf    SessionConfig
	session *sanago.SyncSession[json.RawMessage]
	unsub   func()
}

// Sessions is the registry of sync sessions mounted by the renderer.
type Sessions struct {
	store   sanago.Store
	fetcher Fetcher
	hub     *Hub

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

func NewSessions(store sanago.Store, fetcher Fetcher, hub *Hub) *Sessions {
	return &Sessions{
		store:   store,
		fetcher: fetcher,
		hub:     hub,
		entries: make(map[string]*sessionEntry),
	}
}

func (r *Sessions) fetchFor(conf SessionConfig) sanago.FetchFunc[json.RawMessage] {
	path := conf.Path
	query := url.Values{}
	for k, v := range conf.Query {
		query.Set(k, v)
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		return r.fetcher.GetRaw(ctx, path, query)
	}
}

// Create mounts a new session and returns its initial view, which already
// holds the cached value when there is one.
func (r *Sessions) Create(conf SessionConfig) (SessionView, error) {
	if conf.Key == "" {
		return SessionView{}, errKeyRequired
	}
	if conf.Path == "" {
		return SessionView{}, errPathRequired
	}

	id := uuid.NewString()
	s := sanago.NewSyncSession(r.store, sanago.SyncOptions[json.RawMessage]{
		Key:             conf.Key,
		Fetch:           r.fetchFor(conf),
		AutoRefresh:     conf.AutoRefresh,
		RefreshInterval: time.Duration(conf.RefreshIntervalMS) * time.Millisecond,
		OnUnauthorized: func() {
			log.Warn().Str("session", id).Msg("session fetch unauthorized")
			r.hub.Broadcast(EventUnauthorized, map[string]string{"session": id})
		},
	})
	e := &sessionEntry{id: id, conf: conf, session: s}
	e.unsub = s.Subscribe(func(st sanago.SyncState[json.RawMessage]) {
		r.hub.Broadcast(EventSession, viewOf(id, s.Key(), st))
	})

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	s.Start(context.Background())
	log.Debug().Str("session", id).Str("key", conf.Key).Msg("session mounted")
	return viewOf(id, s.Key(), s.State()), nil
}

func (r *Sessions) get(id string) (*sessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return e, nil
}

func (r *Sessions) View(id string) (SessionView, error) {
	e, err := r.get(id)
	if err != nil {
		return SessionView{}, err
	}
	return viewOf(id, e.session.Key(), e.session.State()), nil
}

// Update applies a patch. A new key restarts the session; a new path or
// query swaps the fetch used by the next revalidation.
func (r *Sessions) Update(id string, p SessionPatch) (SessionView, error) {
	e, err := r.get(id)
	if err != nil {
		return SessionView{}, err
	}

	r.mu.Lock()
	conf := e.conf
	fetchChanged := false
	if p.Path != nil && *p.Path != conf.Path {
		if *p.Path == "" {
			r.mu.Unlock()
			return SessionView{}, errPathRequired
		}
		conf.Path = *p.Path
		fetchChanged = true
	}
	if p.Query != nil {
		conf.Query = p.Query
		fetchChanged = true
	}
	if p.AutoRefresh != nil {
		conf.AutoRefresh = *p.AutoRefresh
	}
	if p.RefreshIntervalMS != nil {
		conf.RefreshIntervalMS = *p.RefreshIntervalMS
	}
	if p.Key != nil {
		if *p.Key == "" {
			r.mu.Unlock()
			return SessionView{}, errKeyRequired
		}
		conf.Key = *p.Key
	}
	e.conf = conf
	r.mu.Unlock()

	if fetchChanged {
		e.session.SetFetch(r.fetchFor(conf))
	}
	e.session.SetRefresh(conf.AutoRefresh, time.Duration(conf.RefreshIntervalMS)*time.Millisecond)
	e.session.SetKey(conf.Key)
	return viewOf(id, e.session.Key(), e.session.State()), nil
}

// Refetch revalidates now and returns the resulting view.
func (r *Sessions) Refetch(ctx context.Context, id string) (SessionView, error) {
	e, err := r.get(id)
	if err != nil {
		return SessionView{}, err
	}
	e.session.Refetch(ctx)
	return viewOf(id, e.session.Key(), e.session.State()), nil
}

// Close unmounts one session.
func (r *Sessions) Close(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}
	e.unsub()
	e.session.Close()
	return nil
}

// CloseAll unmounts every session.
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*sessionEntry)
	r.mu.Unlock()
	for _, e := range entries {
		e.unsub()
		e.session.Close()
	}
}

func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func viewOf(id, key string, st sanago.SyncState[json.RawMessage]) SessionView {
	v := SessionView{
		ID:        id,
		Key:       key,
		IsLoading: st.IsLoading,
		IsSyncing: st.IsSyncing,
	}
	if st.Data != nil {
		v.Data = *st.Data
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
		v.Unauthorized = sanago.IsUnauthorized(st.Err)
	}
	return v
}
