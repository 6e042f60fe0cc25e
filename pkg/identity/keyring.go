package identity

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Keyring authorizes principals that present a shared secret. Secrets are
// stored as bcrypt hashes; the plaintext is only ever held by the caller.
type Keyring struct {
	mu      sync.RWMutex
	entries map[string]keyringEntry
}

type keyringEntry struct {
	hash  []byte
	group string
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{entries: make(map[string]keyringEntry)}
}

// Add registers a principal name with its secret and default group.
// The secret is hashed immediately and discarded.
func (k *Keyring) Add(name, secret, group string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing secret for %q: %w", name, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[name] = keyringEntry{hash: hash, group: group}
	return nil
}

// Remove unregisters a principal name.
func (k *Keyring) Remove(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, name)
}

// Login verifies p.Secret against the stored hash for p.Name. When p carries
// no group, the keyring's default group for that principal is applied.
func (k *Keyring) Login(ctx context.Context, p Principal) (context.Context, error) {
	k.mu.RLock()
	entry, ok := k.entries[p.Name]
	k.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("principal %q: %w", p.Name, ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(entry.hash, []byte(p.Secret)); err != nil {
		return nil, fmt.Errorf("principal %q: %w", p.Name, ErrUnauthorized)
	}

	if p.Group == "" {
		p.Group = entry.group
	}
	p.Secret = ""
	return WithPrincipal(ctx, p), nil
}

// Logout tears down the authenticated context.
func (*Keyring) Logout(context.Context) {}

// Verify interface compliance.
var _ Provider = (*Keyring)(nil)
