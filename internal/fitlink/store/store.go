package store

import (
	"context"
	"time"

	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/cryptox"
	"github.com/aussiebroadwan/fitlink/pkg/idx"
)

// ErrNotFound is returned by Load when the profile has no bundle.
var ErrNotFound = connect.ErrBundleNotFound

// Store is a persistent connect.TokenStore bound to one profile. Concrete
// drivers (sqlite, keyring) implement this.
type Store interface {
	connect.TokenStore

	// Profile returns the profile the store reads and writes.
	Profile() string

	// Close releases any underlying resources.
	Close() error
}

// EventKind classifies an entry of the token history.
type EventKind string

const (
	EventSaved   EventKind = "saved"
	EventCleared EventKind = "cleared"
)

// Event records a change to a profile's bundle. Tokens themselves are never
// recorded, only a fingerprint of the access token.
type Event struct {
	ID                idx.ID    `json:"id"`
	Profile           string    `json:"profile"`
	Kind              EventKind `json:"kind"`
	AccessFingerprint string    `json:"access_fingerprint,omitempty"`
	ExpiresAt         time.Time `json:"expires_at,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
}

// History is implemented by stores that keep a token history.
type History interface {
	Events(ctx context.Context, limit int) ([]Event, error)

	// PruneEvents deletes events created before the cutoff and returns how
	// many were removed.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// EncodeBundle serializes b in its export format and seals it when a
// sealer is given.
func EncodeBundle(b connect.TokenBundle, sealer *cryptox.Sealer) ([]byte, error) {
	data, err := connect.MarshalBundle(b)
	if err != nil {
		return nil, err
	}
	return sealer.Seal(data)
}

// DecodeBundle reverses EncodeBundle. Unsealed data is accepted regardless
// of the sealer, so enabling a passphrase never orphans an existing bundle.
func DecodeBundle(data []byte, sealer *cryptox.Sealer) (*connect.TokenBundle, error) {
	plain, err := sealer.Open(data)
	if err != nil {
		return nil, err
	}
	b, err := connect.UnmarshalBundle(plain)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// NewEvent builds the history entry for kind applied to b at now. b may be
// nil for cleared events.
func NewEvent(profile string, kind EventKind, b *connect.TokenBundle, now time.Time) Event {
	ev := Event{
		ID:        idx.NewAt(now),
		Profile:   profile,
		Kind:      kind,
		CreatedAt: now.UTC(),
	}
	if b != nil {
		ev.AccessFingerprint = cryptox.FingerprintToken(b.Bearer.AccessToken)
		ev.ExpiresAt = b.Bearer.ExpiresAtTime().UTC()
	}
	return ev
}
