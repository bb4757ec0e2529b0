package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/fitlinktest"
	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/internal/fitlink/store/drivers/keyring"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
)

func testConfig(t *testing.T, u *fitlinktest.Upstream, driver string) Config {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	ep := u.Endpoints()
	cfg.Endpoints = EndpointsConfig{
		Consumer:      ep.Consumer,
		SSOEmbed:      ep.SSOEmbed,
		SSOSignin:     ep.SSOSignin,
		Preauthorized: ep.Preauthorized,
		Exchange:      ep.Exchange,
		API:           ep.API,
	}
	cfg.Store.Driver = driver
	cfg.Store.DatabaseFile = filepath.Join(dir, "data", "fitlink.db")
	cfg.Store.Dir = dir
	cfg.Store.NoKeyring = true
	cfg.LogOutput = &bytes.Buffer{}
	cfg.RateLimit = RateLimitConfig{}
	return cfg
}

func TestNew_MemoryStore(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	app, err := New(context.Background(), testConfig(t, u, StoreMemory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.False(t, app.Client().IsAuthenticated())
	require.Equal(t, "default", app.Store().Profile())

	ctx := app.Context(context.Background())
	require.NoError(t, app.Client().Login(ctx, fitlinktest.Username, fitlinktest.Password))

	stored, err := app.Store().Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "bearer-token", stored.Bearer.AccessToken)
}

func TestNew_PersistentStoresRestore(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{StoreSQLite, StoreKeyring} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			u := fitlinktest.New(t)
			cfg := testConfig(t, u, driver)
			cfg.Store.Passphrase = "hunter2"
			ctx := context.Background()

			first, err := New(ctx, cfg)
			require.NoError(t, err)
			require.NoError(t, first.Client().Login(ctx, fitlinktest.Username, fitlinktest.Password))
			exported, err := first.Client().Export()
			require.NoError(t, err)
			require.NoError(t, first.Close())

			second, err := New(ctx, cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = second.Close() })

			require.True(t, second.Client().IsAuthenticated())
			restored, err := second.Client().Export()
			require.NoError(t, err)
			require.Equal(t, exported, restored)

			// The restored token is used as-is.
			resp, err := second.Client().Get(ctx, "/userprofile-service/socialProfile")
			require.NoError(t, err)
			require.Equal(t, 200, resp.StatusCode)
			require.Equal(t, 1, u.Count("exchange"))
		})
	}
}

func TestNew_SQLiteRecordsHistory(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	app, err := New(context.Background(), testConfig(t, u, StoreSQLite))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := context.Background()
	require.NoError(t, app.Client().Login(ctx, fitlinktest.Username, fitlinktest.Password))
	require.NoError(t, app.Client().Logout(ctx))

	history, ok := app.Store().(store.History)
	require.True(t, ok)
	events, err := history.Events(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, store.EventCleared, events[0].Kind)
	require.Equal(t, store.EventSaved, events[1].Kind)

	require.Same(t, history, app.keepAlive.History)
}

func TestNew_WrongPassphraseFailsRestore(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	cfg := testConfig(t, u, StoreKeyring)
	cfg.Store.Passphrase = "right"
	ctx := context.Background()

	ks, err := keyring.NewStore(keyring.Config{
		Profile:        cfg.Profile,
		FallbackDir:    cfg.Store.Dir,
		DisableKeyring: true,
	})
	require.NoError(t, err)

	first, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, first.Client().Restore(fitlinktest.Bundle(time.Now().Add(time.Hour).Unix())))
	bundle, err := first.Client().Export()
	require.NoError(t, err)
	require.NoError(t, first.Store().Save(ctx, bundle))

	// Without the passphrase the sealed bundle cannot be read.
	_, err = ks.Load(ctx)
	require.Error(t, err)

	cfg.Store.Passphrase = "wrong"
	_, err = New(ctx, cfg)
	require.ErrorContains(t, err, "failed to restore token bundle")
}

func TestNew_AppliesClientSettings(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	cfg := testConfig(t, u, StoreMemory)
	cfg.Consumer = ConsumerConfig{Key: "static-key", Secret: "static-secret"}
	cfg.RefreshLeeway = 3 * time.Minute
	cfg.RefreshTimeout = 7 * time.Second
	cfg.APIUserAgent = "fitlink-test"

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	c := app.Client()
	require.Equal(t, 3*time.Minute, c.RefreshLeeway)
	require.Equal(t, 7*time.Second, c.RefreshTimeout)
	require.Equal(t, "fitlink-test", c.APIUserAgent)
	require.Equal(t, connect.DefaultSSOUserAgent, c.SSOUserAgent)

	consumer, err := c.Consumer(context.Background())
	require.NoError(t, err)
	require.Equal(t, "static-key", consumer.Key)
	require.Empty(t, u.Calls())
}

func TestApplication_RunStopsOnContext(t *testing.T) {
	t.Parallel()

	u := fitlinktest.New(t)
	app, err := New(context.Background(), testConfig(t, u, StoreMemory))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
