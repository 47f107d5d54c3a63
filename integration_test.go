//go:build integration

package sanago_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
	"github.com/jesse457/SanaGo-desktop-sub000/storage"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Fatalf("%s environment variable is required", name)
	}
	return v
}

// signedIn logs in against the live API and returns a client reading its
// token from a fresh in-memory store.
func signedIn(t *testing.T) (*sanago.Client, *sanago.SecureStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := sanago.NewSecureStore(storage.NewMemoryBackend())
	client := sanago.NewClient(env(t, "SANAGO_TEST_BASE_URL"), sanago.WithTokenStore(store))

	res, err := client.Login(ctx, env(t, "SANAGO_TEST_EMAIL"), env(t, "SANAGO_TEST_PASSWORD"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !store.Set(ctx, sanago.TokenKey, res.Token) {
		t.Fatal("could not store token")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Logout(ctx)
	})
	return client, store
}

// =======================================================================
// Group 1: Auth
// =======================================================================

func TestIntegrationMe(t *testing.T) {
	client, _ := signedIn(t)
	me, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.ID == "" || me.Email == "" {
		t.Fatalf("incomplete user: %+v", me)
	}
	t.Logf("signed in as %s <%s>", me.Name, me.Email)
}

func TestIntegrationRejectsBadToken(t *testing.T) {
	client := sanago.NewClient(env(t, "SANAGO_TEST_BASE_URL"), sanago.WithToken("not-a-token"))
	_, err := client.Me(context.Background())
	if !sanago.IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
}

// =======================================================================
// Group 2: Notifications
// =======================================================================

func TestIntegrationNotificationHydrate(t *testing.T) {
	client, _ := signedIn(t)
	ch := sanago.NewNotificationChannel(client, nil)
	defer ch.Close()

	if err := ch.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	snap := ch.Snapshot()
	seen := map[string]bool{}
	for _, n := range snap.Items {
		if seen[n.ID] {
			t.Fatalf("duplicate id %s", n.ID)
		}
		seen[n.ID] = true
	}
	t.Logf("%d notifications, %d unread", len(snap.Items), snap.Unread)
}

func TestIntegrationSSEStream(t *testing.T) {
	client, store := signedIn(t)
	ctx := context.Background()
	token, _ := sanago.LoadJSON[string](ctx, store, sanago.TokenKey)
	me, err := client.Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}

	sse := sanago.NewRealtimeSSEClient(client.BaseURL(), &sanago.RealtimeConfig{Token: token, UserID: string(me.ID)})
	if err := sse.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sse.Disconnect()
	if sse.State() != sanago.StateConnected {
		t.Fatalf("state = %s", sse.State())
	}
}

// =======================================================================
// Group 3: Sync
// =======================================================================

func TestIntegrationSyncSession(t *testing.T) {
	client, store := signedIn(t)
	s := sanago.NewSyncSession(store, sanago.SyncOptions[json.RawMessage]{
		Key: "integration_user",
		Fetch: func(ctx context.Context) (json.RawMessage, error) {
			return client.GetRaw(ctx, "/user", nil)
		},
	})
	defer s.Close()
	s.Start(context.Background())

	deadline := time.Now().Add(30 * time.Second)
	for s.State().IsLoading && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	st := s.State()
	if st.Err != nil || st.Data == nil {
		t.Fatalf("unexpected state: %+v", st)
	}
	if _, ok := store.Get(context.Background(), "integration_user"); !ok {
		t.Fatal("revalidated value not written through")
	}
}
