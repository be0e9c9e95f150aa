package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// SecretPrefix identifies Folio API key secrets.
	SecretPrefix = "folio_"
	// secretBytes is the entropy of a generated secret (256 bits).
	secretBytes = 32
)

// GenerateSecret creates a new raw API key secret and its storage hash.
// Format: folio_<base64url(32 random bytes)>. The raw value is returned to
// the caller exactly once and is never persisted or logged.
func GenerateSecret() (secret, secretHash, displayPrefix string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(buf)
	secret = SecretPrefix + encoded
	secretHash = HashSecret(secret)

	// First 8 characters after the prefix, enough to identify a key in
	// listings without revealing it.
	displayPrefix = SecretPrefix + encoded[:8]
	return secret, secretHash, displayPrefix, nil
}

// HashSecret computes the one-way lookup hash of a raw secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// validSecretFormat checks the shape of a presented secret without touching
// the store.
func validSecretFormat(secret string) bool {
	if !strings.HasPrefix(secret, SecretPrefix) {
		return false
	}
	encoded := strings.TrimPrefix(secret, SecretPrefix)
	if encoded == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(encoded)
	return err == nil
}

// UsageTracker receives best-effort usage notifications for verified keys.
type UsageTracker interface {
	KeyUsed(keyID string, at time.Time)
}

// APIKeyVerifier authenticates presented opaque secrets against the key
// store.
type APIKeyVerifier struct {
	store   KeyStore
	tracker UsageTracker
	now     func() time.Time

	// touchTimeout bounds the background last-used update.
	touchTimeout time.Duration
}

// NewAPIKeyVerifier builds a verifier. tracker may be nil.
func NewAPIKeyVerifier(store KeyStore, tracker UsageTracker) *APIKeyVerifier {
	return &APIKeyVerifier{
		store:        store,
		tracker:      tracker,
		now:          time.Now,
		touchTimeout: 2 * time.Second,
	}
}

// Verify authenticates a raw secret and returns the uniform identity.
// Lookup is by hash only; raw secrets never reach the store. A missing
// record reports invalid_credential rather than a distinct "unknown key"
// kind, to avoid leaking key existence.
func (v *APIKeyVerifier) Verify(ctx context.Context, secret string) (*Identity, error) {
	if !validSecretFormat(secret) {
		return nil, NewError(KindInvalidCredential, "invalid credentials")
	}

	key, err := v.store.GetBySecretHash(ctx, HashSecret(secret))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, NewError(KindInvalidCredential, "invalid credentials")
		}
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}

	now := v.now()
	if key.Status != KeyStatusActive || key.Expired(now) {
		return nil, NewError(KindCredentialRevoked, "credential revoked or expired")
	}

	// Best-effort side effects: last-used touch and usage tracking must not
	// block or fail the authentication outcome.
	go v.touchLastUsed(key.ID, now)
	if v.tracker != nil {
		v.tracker.KeyUsed(key.ID.String(), now)
	}

	return key.Identity(), nil
}

func (v *APIKeyVerifier) touchLastUsed(keyID uuid.UUID, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), v.touchTimeout)
	defer cancel()
	// Errors are deliberately dropped; the verification already succeeded.
	_ = v.store.TouchLastUsed(ctx, keyID, at)
}
