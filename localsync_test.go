package localsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmesh/localsync/pkg/entry"
	"github.com/localmesh/localsync/pkg/gateway"
	"github.com/localmesh/localsync/pkg/gateway/gatewaytest"
	"github.com/localmesh/localsync/pkg/reconnect"
	"github.com/localmesh/localsync/pkg/signal"
	"github.com/localmesh/localsync/pkg/storage"
)

func head(identity, hash string) *entry.Entry {
	return &entry.Entry{
		Identity:    identity,
		VersionHash: hash,
		Type:        "profile",
		CreatedAt:   time.Unix(1, 0),
		UpdatedAt:   time.Unix(2, 0),
	}
}

func newClient(t *testing.T, mutate ...func(*Params)) (*Client, *gatewaytest.Fake) {
	t.Helper()
	fake := gatewaytest.New()
	fake.Handle("entry.fetch", func(params []any) (any, error) {
		return []*entry.Entry{head(params[1].(string), "v1")}, nil
	})

	p := Params{Gateway: fake, CallTimeout: 5 * time.Second}
	for _, m := range mutate {
		m(&p)
	}
	client, err := New(p)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client, fake
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)
}

func TestSyncEntryEndToEnd(t *testing.T) {
	client, fake := newClient(t)

	got, err := client.SyncEntry(context.Background(), "profile", "profile:alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VersionHash)

	// Cached on the second read.
	_, err = client.SyncEntry(context.Background(), "profile", "profile:alice")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("entry.fetch"))
	assert.Equal(t, uint64(1), client.Cache().GetCacheStats().Hits)
}

func TestRemoteSignalReachesSubscriberAndInvalidates(t *testing.T) {
	client, fake := newClient(t)

	_, err := client.SyncEntry(context.Background(), "profile", "profile:alice")
	require.NoError(t, err)

	received := make(chan gateway.Signal, 1)
	client.Subscribe(signal.Filter{EntryTypes: []string{"profile"}}, func(sig gateway.Signal) {
		received <- sig
	})

	fake.Emit(gateway.Signal{
		Kind:      "updated",
		EntryType: "profile",
		Identity:  "profile:alice",
		Origin:    "agent:remote",
	})

	select {
	case sig := <-received:
		assert.Equal(t, "updated", sig.Kind)
		assert.False(t, sig.Local())
	case <-time.After(5 * time.Second):
		t.Fatal("signal never reached the subscriber")
	}

	// The engine's own subscription invalidated the cached entry.
	assert.Eventually(t, func() bool {
		_, ok := client.Cache().Get("profile/profile:alice")
		return !ok
	}, 5*time.Second, time.Millisecond)
}

func TestOfflineModeBlocksSyncUntilDisabled(t *testing.T) {
	client, _ := newClient(t, func(p *Params) { p.PauseWhenDisconnected = true })

	client.Supervisor().EnableOfflineMode(context.Background())
	assert.Eventually(t, func() bool {
		return client.Engine().GetSyncStatus().Paused
	}, 5*time.Second, time.Millisecond)

	client.Supervisor().DisableOfflineMode()
	assert.Eventually(t, func() bool {
		st := client.Supervisor().GetConnectionState()
		return st.Status == reconnect.StateConnected && !client.Engine().GetSyncStatus().Paused
	}, 5*time.Second, time.Millisecond)

	got, err := client.SyncEntry(context.Background(), "profile", "profile:bob")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VersionHash)
}

func TestPersistedEntriesSurviveRestart(t *testing.T) {
	adapter := storage.NewMemory()

	client, _ := newClient(t, func(p *Params) {
		p.Adapter = adapter
		p.PersistEntries = true
	})
	_, err := client.SyncEntry(context.Background(), "profile", "profile:alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Close(ctx))

	// A fresh client restores the mirrored entry and serves it without the
	// gateway.
	offlineGW := gatewaytest.New()
	restored, err := New(Params{Gateway: offlineGW, Adapter: adapter})
	require.NoError(t, err)
	defer restored.Close(context.Background())

	require.NoError(t, restored.Restore(context.Background()))
	got, err := restored.SyncEntry(context.Background(), "profile", "profile:alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VersionHash)
	assert.Zero(t, offlineGW.CallCount("entry.fetch"))
}

func TestDiagnosticsThroughClient(t *testing.T) {
	client, fake := newClient(t)
	fake.Handle("ping", func([]any) (any, error) { return nil, nil })

	d := client.Supervisor().RunDiagnostics(context.Background())
	assert.True(t, d.Passed())
}
