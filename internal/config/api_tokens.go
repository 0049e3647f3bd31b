package config

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// APITokens maps device API tokens to the user they belong to. Tokens are
// stored as SHA-256 hashes so the file on disk never holds a usable secret.
type APITokens struct {
	mu     sync.RWMutex
	byHash map[string]string // hex(sha256(token)) -> userID
}

// LoadAPITokens reads the token file at path. A missing file yields an
// empty set: every request is then unauthorized, which fails closed.
func LoadAPITokens(path string) (*APITokens, error) {
	tokens := &APITokens{byHash: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tokens, nil
		}
		return nil, fmt.Errorf("read api tokens %s: %w", path, err)
	}
	if len(data) == 0 {
		return tokens, nil
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode api tokens %s: %w", path, err)
	}

	tokens.byHash = stored
	return tokens, nil
}

// UserForToken resolves a presented bearer token to its user.
func (t *APITokens) UserForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	hash := hashToken(token)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for storedHash, userID := range t.byHash {
		if subtle.ConstantTimeCompare([]byte(storedHash), []byte(hash)) == 1 {
			return userID, true
		}
	}
	return "", false
}

// Add registers a token for a user (used by provisioning and tests).
func (t *APITokens) Add(token, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byHash[hashToken(token)] = userID
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
