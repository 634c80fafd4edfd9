package devstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/murmulab/chatpod/pkg/devstore"
	"github.com/murmulab/chatpod/pkg/jsontime"
	"github.com/murmulab/chatpod/pkg/kv"
)

func newStore(t *testing.T) *devstore.Store {
	t.Helper()
	mem := kv.NewMemory(nil)
	t.Cleanup(func() { mem.Close() })
	return devstore.New(mem)
}

func TestLoadOrCreateIdentity(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Identity(ctx); !errors.Is(err, devstore.ErrNoIdentity) {
		t.Fatalf("Identity on empty store = %v, want ErrNoIdentity", err)
	}

	id, err := store.LoadOrCreateIdentity(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if !strings.HasPrefix(id.Serial, "SN-") {
		t.Errorf("Serial = %q, want SN- prefix", id.Serial)
	}
	if len(id.HMACKey) != 32 {
		t.Errorf("HMACKey length = %d, want 32", len(id.HMACKey))
	}
	if id.ClientID == "" {
		t.Error("ClientID is empty")
	}
	if parts := strings.Split(id.MAC, ":"); len(parts) != 6 {
		t.Errorf("MAC = %q, want 6 colon-separated octets", id.MAC)
	}

	// A second call must return the same identity, not mint a new one.
	again, err := store.LoadOrCreateIdentity(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity again: %v", err)
	}
	if again.Serial != id.Serial || again.ClientID != id.ClientID {
		t.Errorf("second load minted a new identity: %+v != %+v", again, id)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Credential(ctx); !errors.Is(err, devstore.ErrNoCredential) {
		t.Fatalf("Credential on empty store = %v, want ErrNoCredential", err)
	}

	cred := &devstore.Credential{
		Token:     "tok-123",
		IssuedAt:  jsontime.NowMilli(),
		ExpiresAt: jsontime.Milli(time.Now().Add(time.Hour)),
	}
	if err := store.SaveCredential(ctx, cred); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}

	got, err := store.Credential(ctx)
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got.Token != cred.Token {
		t.Errorf("Token = %q, want %q", got.Token, cred.Token)
	}
	if !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, cred.ExpiresAt)
	}

	if err := store.DeleteCredential(ctx); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if _, err := store.Credential(ctx); !errors.Is(err, devstore.ErrNoCredential) {
		t.Fatalf("Credential after delete = %v, want ErrNoCredential", err)
	}
}

func TestExpiredCredentialTreatedAsAbsent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cred := &devstore.Credential{
		Token:     "tok-stale",
		IssuedAt:  jsontime.Milli(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jsontime.Milli(time.Now().Add(-time.Hour)),
	}
	if err := store.SaveCredential(ctx, cred); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if _, err := store.Credential(ctx); !errors.Is(err, devstore.ErrNoCredential) {
		t.Fatalf("expired Credential = %v, want ErrNoCredential", err)
	}
}

func TestCredentialValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred *devstore.Credential
		want bool
	}{
		{"nil", nil, false},
		{"empty token", &devstore.Credential{}, false},
		{"no expiry", &devstore.Credential{Token: "t"}, true},
		{"future expiry", &devstore.Credential{Token: "t", ExpiresAt: jsontime.Milli(now.Add(time.Minute))}, true},
		{"past expiry", &devstore.Credential{Token: "t", ExpiresAt: jsontime.Milli(now.Add(-time.Minute))}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(now); got != tt.want {
				t.Errorf("Valid = %v, want %v", got, tt.want)
			}
		})
	}
}
