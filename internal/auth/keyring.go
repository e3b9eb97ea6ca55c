package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// MinSecretLength is the shortest accepted HMAC signing secret.
const MinSecretLength = 32

// RotationPolicy decides what happens to tokens signed with a replaced secret.
type RotationPolicy string

const (
	// PolicyGrace keeps retired secrets for verification until the grace
	// period passes, so outstanding tokens live to their natural expiry.
	PolicyGrace RotationPolicy = "grace"

	// PolicyRevoke drops retired secrets at once; every outstanding token
	// fails validation on its next use.
	PolicyRevoke RotationPolicy = "revoke"
)

type signingKey struct {
	kid       string
	secret    []byte
	retiredAt time.Time
}

// Keyring holds the active HMAC secret plus, under PolicyGrace, the
// secrets it replaced. Reads vastly outnumber rotations.
type Keyring struct {
	policy RotationPolicy
	grace  time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	active  signingKey
	retired []signingKey
}

// NewKeyring starts a ring with secret as the active key. A nil now uses
// time.Now.
func NewKeyring(secret []byte, policy RotationPolicy, grace time.Duration, now func() time.Time) (*Keyring, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	switch policy {
	case PolicyGrace, PolicyRevoke:
	case "":
		policy = PolicyGrace
	default:
		return nil, fmt.Errorf("unknown rotation policy %q", policy)
	}
	if now == nil {
		now = time.Now
	}

	return &Keyring{
		policy: policy,
		grace:  grace,
		now:    now,
		active: newSigningKey(secret),
	}, nil
}

// KeyID derives a stable key id from a secret. Reloading the same secret
// therefore keeps the same kid.
func KeyID(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:8])
}

func newSigningKey(secret []byte) signingKey {
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return signingKey{kid: KeyID(cp), secret: cp}
}

// Policy returns the configured rotation policy.
func (k *Keyring) Policy() RotationPolicy { return k.policy }

// Active returns the key id and secret new tokens are signed with.
func (k *Keyring) Active() (kid string, secret []byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active.kid, k.active.secret
}

// Lookup returns the secret for kid if it is active or still within the
// grace period.
func (k *Keyring) Lookup(kid string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if kid == k.active.kid {
		return k.active.secret, true
	}
	now := k.now()
	for _, r := range k.retired {
		if r.kid == kid && now.Before(r.retiredAt.Add(k.grace)) {
			return r.secret, true
		}
	}
	return nil, false
}

// Rotate makes secret the active key and returns its kid. Rotating to the
// current secret is a no-op.
func (k *Keyring) Rotate(secret []byte) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrSecretTooShort
	}
	next := newSigningKey(secret)

	k.mu.Lock()
	defer k.mu.Unlock()

	if next.kid == k.active.kid {
		return next.kid, nil
	}

	prev := k.active
	prev.retiredAt = k.now()
	k.active = next

	if k.policy == PolicyRevoke {
		k.retired = nil
		return next.kid, nil
	}

	// A secret can come back (file restored from backup); drop its retired copy.
	kept := k.retired[:0]
	for _, r := range k.retired {
		if r.kid != next.kid {
			kept = append(kept, r)
		}
	}
	k.retired = append(kept, prev)
	return next.kid, nil
}

// Prune forgets retired keys whose grace period has passed and returns how
// many were removed.
func (k *Keyring) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	kept := k.retired[:0]
	for _, r := range k.retired {
		if now.Before(r.retiredAt.Add(k.grace)) {
			kept = append(kept, r)
		}
	}
	removed := len(k.retired) - len(kept)
	k.retired = kept
	return removed
}

// Len returns the number of keys that can currently verify tokens.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return 1 + len(k.retired)
}

// RandomSecret returns a fresh 256-bit secret, hex encoded.
func RandomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return []byte(hex.EncodeToString(b)), nil
}

// ReadSecretFile loads a secret from disk, trimming surrounding whitespace
// such as the trailing newline most editors add.
func ReadSecretFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return secret, nil
}
