// Package devstore persists the device identity and its activation
// credential. Records are msgpack-encoded and stored in a kv.Store so the
// engine survives restarts without repeating the activation handshake.
package devstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/murmulab/chatpod/pkg/jsontime"
	"github.com/murmulab/chatpod/pkg/kv"
)

// Storage keys.
var (
	identityKey   = kv.Key{"device", "identity"}
	credentialKey = kv.Key{"device", "credential"}
)

// ErrNoIdentity is returned when no identity has been provisioned yet.
var ErrNoIdentity = errors.New("devstore: no identity")

// ErrNoCredential is returned when no credential is stored or the stored
// credential has expired.
var ErrNoCredential = errors.New("devstore: no credential")

// Identity is the long-lived device identity. It is minted once on first
// run (or injected from hardware provisioning) and never changes.
type Identity struct {
	// Serial is the device serial number reported during activation.
	Serial string `msgpack:"serial" json:"serial"`

	// HMACKey signs activation challenges.
	HMACKey []byte `msgpack:"hmac_key" json:"-"`

	// ClientID is a stable uuid identifying this client installation.
	ClientID string `msgpack:"client_id" json:"client_id"`

	// MAC is the device MAC address, used as the Device-Id header.
	MAC string `msgpack:"mac" json:"mac"`
}

// Credential is a server-issued access token with its validity window.
type Credential struct {
	Token     string         `msgpack:"token" json:"token"`
	IssuedAt  jsontime.Milli `msgpack:"issued_at" json:"issued_at"`
	ExpiresAt jsontime.Milli `msgpack:"expires_at" json:"expires_at"`
}

// Valid reports whether the credential can still be presented at time now.
// A zero ExpiresAt means the token does not expire.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Time())
}

// Store reads and writes device records.
type Store struct {
	kv kv.Store
}

// New creates a Store over the given key-value store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Identity returns the stored identity, or ErrNoIdentity.
func (s *Store) Identity(ctx context.Context) (*Identity, error) {
	b, err := s.kv.Get(ctx, identityKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("devstore: load identity: %w", err)
	}
	var id Identity
	if err := msgpack.Unmarshal(b, &id); err != nil {
		return nil, fmt.Errorf("devstore: decode identity: %w", err)
	}
	return &id, nil
}

// SaveIdentity stores the identity, replacing any previous one.
func (s *Store) SaveIdentity(ctx context.Context, id *Identity) error {
	b, err := msgpack.Marshal(id)
	if err != nil {
		return fmt.Errorf("devstore: encode identity: %w", err)
	}
	if err := s.kv.Set(ctx, identityKey, b); err != nil {
		return fmt.Errorf("devstore: save identity: %w", err)
	}
	return nil
}

// LoadOrCreateIdentity returns the stored identity, minting and persisting
// a fresh one when none exists. Minted identities carry a random serial,
// a random locally administered MAC, a uuid client id and a 32-byte HMAC
// key; hardware deployments overwrite them via SaveIdentity at provisioning
// time.
func (s *Store) LoadOrCreateIdentity(ctx context.Context) (*Identity, error) {
	id, err := s.Identity(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}
	id, err = mintIdentity()
	if err != nil {
		return nil, err
	}
	if err := s.SaveIdentity(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

func mintIdentity() (*Identity, error) {
	var serial [8]byte
	if _, err := rand.Read(serial[:]); err != nil {
		return nil, fmt.Errorf("devstore: mint serial: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("devstore: mint hmac key: %w", err)
	}
	var mac [6]byte
	if _, err := rand.Read(mac[:]); err != nil {
		return nil, fmt.Errorf("devstore: mint mac: %w", err)
	}
	// Locally administered, unicast.
	mac[0] = (mac[0] | 0x02) &^ 0x01
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return &Identity{
		Serial:   "SN-" + strings.ToUpper(hex.EncodeToString(serial[:])),
		HMACKey:  key,
		ClientID: uuid.NewString(),
		MAC:      strings.Join(parts, ":"),
	}, nil
}

// Credential returns the stored credential if it is still valid, otherwise
// ErrNoCredential. Expired credentials are treated as absent; the caller
// re-activates and overwrites them.
func (s *Store) Credential(ctx context.Context) (*Credential, error) {
	b, err := s.kv.Get(ctx, credentialKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("devstore: load credential: %w", err)
	}
	var cred Credential
	if err := msgpack.Unmarshal(b, &cred); err != nil {
		return nil, fmt.Errorf("devstore: decode credential: %w", err)
	}
	if !cred.Valid(time.Now()) {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// SaveCredential stores the credential, replacing any previous one.
func (s *Store) SaveCredential(ctx context.Context, cred *Credential) error {
	b, err := msgpack.Marshal(cred)
	if err != nil {
		return fmt.Errorf("devstore: encode credential: %w", err)
	}
	if err := s.kv.Set(ctx, credentialKey, b); err != nil {
		return fmt.Errorf("devstore: save credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the stored credential. Deleting an absent
// credential is not an error.
func (s *Store) DeleteCredential(ctx context.Context) error {
	if err := s.kv.Delete(ctx, credentialKey); err != nil {
		return fmt.Errorf("devstore: delete credential: %w", err)
	}
	return nil
}
