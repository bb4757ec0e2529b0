package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/internal/fitlink/store/drivers/keyring"
	"github.com/aussiebroadwan/fitlink/internal/fitlink/store/drivers/sqlite"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/cryptox"
	"github.com/aussiebroadwan/fitlink/pkg/httpx"
	"github.com/aussiebroadwan/fitlink/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires a connect client to its token store, logger and HTTP
// stack for one profile.
type Application struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	client    *connect.Client
	keepAlive *KeepAliveService

	closeOnce sync.Once
	closeErr  error
}

// New builds the application and restores any stored token bundle.
func New(ctx context.Context, cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "fitlink",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			Output:  cfg.LogOutput,
		}).With("profile", cfg.Profile),
	}

	if err := app.initStore(); err != nil {
		return nil, err
	}
	app.initClient()

	if err := app.client.RestoreFromStore(slogx.WithContext(ctx, app.logger)); err != nil {
		_ = app.store.Close()
		return nil, fmt.Errorf("failed to restore token bundle: %w", err)
	}

	app.keepAlive = NewKeepAliveService(app.client, app.logger, cfg.KeepAlive)
	if history, ok := app.store.(store.History); ok {
		app.keepAlive.History = history
	}

	return app, nil
}

// Client returns the connect client.
func (app *Application) Client() *connect.Client { return app.client }

// Store returns the token store backing the client.
func (app *Application) Store() store.Store { return app.store }

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger { return app.logger }

// Config returns the configuration the application was built with.
func (app *Application) Config() Config { return app.cfg }

// Context attaches the application logger to ctx.
func (app *Application) Context(ctx context.Context) context.Context {
	return slogx.WithContext(ctx, app.logger)
}

// Run keeps the token fresh in the background and blocks until ctx is done
// or a shutdown signal arrives.
func (app *Application) Run(ctx context.Context) error {
	app.keepAlive.Start()

	app.logger.Info("fitlink keep-alive running", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case <-ctx.Done():
		app.logger.Info("context done, stopping")
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
	}

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Shutdown stops the keep-alive worker and closes the store.
func (app *Application) Shutdown() error {
	app.keepAlive.Stop()
	return app.Close()
}

// Close releases the store. It does not touch the keep-alive worker and is
// safe to call more than once.
func (app *Application) Close() error {
	app.closeOnce.Do(func() {
		if err := app.store.Close(); err != nil {
			app.logger.Error("error closing token store", "error", err)
			app.closeErr = err
		}
	})
	return app.closeErr
}

// initStore opens the configured token store, applying migrations for sqlite.
func (app *Application) initStore() error {
	sealer := cryptox.NewSealer(app.cfg.Store.Passphrase)

	switch app.cfg.Store.Driver {
	case StoreMemory:
		app.store = &memoryStore{MemoryStore: connect.NewMemoryStore(), profile: app.cfg.Profile}

	case StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(app.cfg.Store.DatabaseFile), 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := sqlite.NewStore(sqlite.DSN(app.cfg.Store.DatabaseFile), app.cfg.Profile, sealer)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.logger.Debug("database migrations applied", "path", app.cfg.Store.DatabaseFile)
		app.store = db

	case StoreKeyring:
		ks, err := keyring.NewStore(keyring.Config{
			Profile:        app.cfg.Profile,
			FallbackDir:    app.cfg.Store.Dir,
			DisableKeyring: app.cfg.Store.NoKeyring,
			Sealer:         sealer,
			Logger:         app.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize keyring store: %w", err)
		}
		app.store = ks

	default:
		return fmt.Errorf("unknown store driver %q", app.cfg.Store.Driver)
	}

	return nil
}

// initClient builds the HTTP stack and the connect client on top of it.
func (app *Application) initClient() {
	client := connect.NewClient(app.cfg.ConnectEndpoints())
	client.HTTPClient = httpx.NewClient(httpx.ClientConfig{
		Timeout:   app.cfg.HTTPTimeout,
		RateLimit: app.cfg.HTTPRateLimit(),
		Logger:    app.logger,
	})
	client.Store = app.store
	client.Logger = app.logger
	client.RefreshTimeout = app.cfg.RefreshTimeout
	client.RefreshLeeway = app.cfg.RefreshLeeway
	if app.cfg.SSOUserAgent != "" {
		client.SSOUserAgent = app.cfg.SSOUserAgent
	}
	if app.cfg.APIUserAgent != "" {
		client.APIUserAgent = app.cfg.APIUserAgent
	}
	if app.cfg.Consumer.Key != "" {
		client.SetConsumer(connect.ConsumerCredential{
			Key:    app.cfg.Consumer.Key,
			Secret: app.cfg.Consumer.Secret,
		})
	}
	app.client = client
}

// memoryStore gives the SDK's in-memory store a profile so it satisfies
// store.Store.
type memoryStore struct {
	*connect.MemoryStore
	profile string
}

func (m *memoryStore) Profile() string { return m.profile }
func (m *memoryStore) Close() error    { return nil }
