package keyring

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/zalando/go-keyring"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/cryptox"
	"github.com/aussiebroadwan/fitlink/pkg/slogx"
)

// DefaultService is the keyring service name bundles are stored under.
const DefaultService = "fitlink"

// LockTimeout is the maximum time to wait for the fallback file lock.
// If exceeded, the write proceeds without locking to avoid CLI hangs; the
// atomic rename still prevents torn files.
const LockTimeout = 500 * time.Millisecond

const fallbackFile = "tokens.json"

// Config configures a keyring Store.
type Config struct {
	Service string
	Profile string

	// FallbackDir holds tokens.json when the system keyring is unavailable.
	FallbackDir string

	// DisableKeyring forces the file fallback.
	DisableKeyring bool

	Sealer *cryptox.Sealer
	Logger *slog.Logger
}

// Store keeps bundles in the system keychain, falling back to a JSON file
// when no keychain is available.
type Store struct {
	service     string
	profile     string
	useKeyring  bool
	fallbackDir string
	sealer      *cryptox.Sealer
}

var _ store.Store = (*Store)(nil)

// NewStore creates a credential store, probing the system keyring once.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Profile == "" {
		return nil, errors.New("keyring: profile is required")
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slogx.FromContext(context.Background())
	}

	s := &Store{
		service:     cfg.Service,
		profile:     cfg.Profile,
		fallbackDir: cfg.FallbackDir,
		sealer:      cfg.Sealer,
	}
	if cfg.DisableKeyring {
		return s, nil
	}

	// Test if keyring is available
	testKey := cfg.Service + "::availability-check"
	if err := keyring.Set(cfg.Service, testKey, "check"); err == nil {
		_ = keyring.Delete(cfg.Service, testKey) // Best-effort cleanup
		s.useKeyring = true
		return s, nil
	}

	logger.Warn("system keyring unavailable, falling back to file",
		"path", s.fallbackPath(),
		"sealed", cfg.Sealer != nil,
	)
	return s, nil
}

func (s *Store) Profile() string { return s.profile }

// UsesKeyring reports whether bundles go to the system keyring.
func (s *Store) UsesKeyring() bool { return s.useKeyring }

func (s *Store) Close() error { return nil }

// key returns the keyring key for a profile.
func (s *Store) key() string {
	return fmt.Sprintf("%s::%s", s.service, s.profile)
}

func (s *Store) Save(_ context.Context, b connect.TokenBundle) error {
	data, err := store.EncodeBundle(b, s.sealer)
	if err != nil {
		return err
	}
	if s.useKeyring {
		// Keyring values are strings; sealed data is binary.
		return keyring.Set(s.service, s.key(), base64.StdEncoding.EncodeToString(data))
	}
	return s.saveToFile(data)
}

func (s *Store) Load(_ context.Context) (*connect.TokenBundle, error) {
	var data []byte
	if s.useKeyring {
		raw, err := keyring.Get(s.service, s.key())
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if data, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil, connect.ErrInvalidBundle
		}
	} else {
		var err error
		if data, err = s.loadFromFile(); err != nil {
			return nil, err
		}
	}
	return store.DecodeBundle(data, s.sealer)
}

func (s *Store) Clear(_ context.Context) error {
	if s.useKeyring {
		err := keyring.Delete(s.service, s.key())
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}
	return s.deleteFromFile()
}

// File fallback methods

func (s *Store) fallbackPath() string {
	return filepath.Join(s.fallbackDir, fallbackFile)
}

func (s *Store) lockPath() string {
	return filepath.Join(s.fallbackDir, fallbackFile+".lock")
}

// fileLock represents an acquired file lock.
type fileLock struct {
	flock *flock.Flock
}

// acquireLock obtains an exclusive lock on the fallback file. A nil lock
// with a nil error means the lock timed out and the caller proceeds
// unlocked.
func (s *Store) acquireLock() (*fileLock, error) {
	if err := os.MkdirAll(s.fallbackDir, 0o700); err != nil {
		return nil, err
	}

	fl := flock.New(s.lockPath())

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	// TryLockContext retries every 10ms until context expires
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, err
	}
	if !locked {
		return nil, nil
	}

	return &fileLock{flock: fl}, nil
}

func (fl *fileLock) release() error {
	if fl == nil || fl.flock == nil {
		return nil
	}
	return fl.flock.Unlock()
}

// loadAllFromFile reads every profile. JSON encodes the []byte values as
// base64.
func (s *Store) loadAllFromFile() (map[string][]byte, error) {
	data, err := os.ReadFile(s.fallbackPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, err
	}

	var all map[string][]byte
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("keyring: corrupt %s: %w", fallbackFile, err)
	}
	if all == nil {
		all = make(map[string][]byte)
	}
	return all, nil
}

func (s *Store) saveAllToFile(all map[string][]byte) error {
	if err := os.MkdirAll(s.fallbackDir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write with randomized temp file name
	tmpFile, err := os.CreateTemp(s.fallbackDir, "tokens-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Windows: rename fails when destination exists.
	destPath := s.fallbackPath()
	if err := os.Rename(tmpPath, destPath); err != nil {
		if runtime.GOOS == "windows" {
			_ = os.Remove(destPath)
			return os.Rename(tmpPath, destPath)
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) loadFromFile() ([]byte, error) {
	all, err := s.loadAllFromFile()
	if err != nil {
		return nil, err
	}

	data, ok := all[s.profile]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

// updateFile applies fn to the profile map under the file lock.
func (s *Store) updateFile(fn func(all map[string][]byte) bool) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}
	if !fn(all) {
		return nil
	}
	return s.saveAllToFile(all)
}

func (s *Store) saveToFile(data []byte) error {
	return s.updateFile(func(all map[string][]byte) bool {
		all[s.profile] = data
		return true
	})
}

func (s *Store) deleteFromFile() error {
	return s.updateFile(func(all map[string][]byte) bool {
		if _, ok := all[s.profile]; !ok {
			return false
		}
		delete(all, s.profile)
		return true
	})
}
