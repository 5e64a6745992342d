package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AgentKey is an encrypted signing key for a delegated venue agent,
// stored as AES-256-GCM ciphertext/iv/tag hex columns keyed by the
// lowercase agent address.
type AgentKey struct {
	UserAddress  string
	AgentAddress string
	KeyEncrypted string
	KeyIV        string
	KeyTag       string
	CreatedAt    time.Time
}

// Credential is a decrypted signing credential bound to one agent.
type Credential struct {
	Address    string
	PrivateKey string // hex, no 0x prefix
}

// Fingerprint returns a stable content address for the credential,
// used as the session-cache key. Never log the private key itself.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.PrivateKey))
	return hex.EncodeToString(sum[:])
}
