package webhook

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	enterrors "github.com/daybreaknews/entitlement/internal/errors"
)

// Verifier authenticates a signed vendor payload and returns its decoded
// contents. Implementations must reject anything they cannot prove genuine.
type Verifier interface {
	Verify(signedPayload string) (*NotificationPayload, error)
}

// KeySet holds the vendor's current signing keys. Safe for concurrent use;
// Replace swaps the whole set at once so rotation is atomic.
type KeySet struct {
	mu   sync.RWMutex
	keys []*ecdsa.PublicKey
}

// LoadKeySet parses every PUBLIC KEY block in the PEM file at path.
func LoadKeySet(path string) (*KeySet, error) {
	ks := &KeySet{}
	if err := ks.loadFrom(path); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeySet) loadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read signing keys %s: %w", path, err)
	}
	keys, err := parsePublicKeys(data)
	if err != nil {
		return fmt.Errorf("parse signing keys %s: %w", path, err)
	}
	ks.Replace(keys)
	return nil
}

// Replace swaps in a new key set.
func (ks *KeySet) Replace(keys []*ecdsa.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = keys
}

// Keys returns the current keys.
func (ks *KeySet) Keys() []*ecdsa.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keys
}

func parsePublicKeys(data []byte) ([]*ecdsa.PublicKey, error) {
	var keys []*ecdsa.PublicKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "PUBLIC KEY" {
			continue
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T (want ECDSA)", parsed)
		}
		keys = append(keys, ecKey)
	}
	if len(keys) == 0 {
		return nil, errors.New("no public keys found")
	}
	return keys, nil
}

// WatchKeys reloads the key set whenever the PEM file changes, so vendor key
// rotation takes effect without a restart. Returns a stop function.
func WatchKeys(ks *KeySet, path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create key watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch key directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ks.loadFrom(path); err != nil {
					// Keep the previous keys; a half-written file must not
					// break verification.
					log.Warn().Err(err).Str("path", path).Msg("Signing key reload failed; keeping previous keys")
					continue
				}
				log.Info().Str("path", path).Msg("Signing keys reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Signing key watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// JWSVerifier verifies ES256-signed vendor payloads against a KeySet.
type JWSVerifier struct {
	keys     *KeySet
	audience string // optional expected aud claim
}

// NewJWSVerifier creates a verifier using keys. audience may be empty.
func NewJWSVerifier(keys *KeySet, audience string) *JWSVerifier {
	return &JWSVerifier{keys: keys, audience: audience}
}

// Verify parses and authenticates a signed payload. Any signature, format,
// or claim failure is ErrSignatureInvalid; the caller must respond non-2xx
// so the vendor retries.
func (v *JWSVerifier) Verify(signedPayload string) (*NotificationPayload, error) {
	if signedPayload == "" {
		return nil, enterrors.New(enterrors.ErrorTypeSignature, "verify_payload", errors.New("empty signed payload"))
	}

	keys := v.keys.Keys()
	if len(keys) == 0 {
		return nil, enterrors.New(enterrors.ErrorTypeSignature, "verify_payload", errors.New("no signing keys loaded"))
	}
	verificationKeys := make([]jwt.VerificationKey, 0, len(keys))
	for _, k := range keys {
		verificationKeys = append(verificationKeys, k)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"ES256"})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	payload := &NotificationPayload{}
	token, err := jwt.ParseWithClaims(signedPayload, payload, func(*jwt.Token) (interface{}, error) {
		return jwt.VerificationKeySet{Keys: verificationKeys}, nil
	}, opts...)
	if err != nil {
		return nil, enterrors.New(enterrors.ErrorTypeSignature, "verify_payload", err)
	}
	if !token.Valid {
		return nil, enterrors.New(enterrors.ErrorTypeSignature, "verify_payload", errors.New("token not valid"))
	}

	return payload, nil
}
