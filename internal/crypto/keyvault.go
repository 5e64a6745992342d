// Package crypto provides the agent key vault (AES-256-GCM over
// scrypt-derived master key), operator key storage, and secp256k1 key
// parsing for the venue transactors.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"

	"github.com/calebmoy/perpagent/internal/domain"
)

// scrypt parameters for master-key derivation. The static salt and
// cost factors must not change: existing rows were encrypted under
// exactly these parameters.
const (
	scryptSalt = "salt"
	scryptN    = 1 << 14
	scryptR    = 8
	scryptP    = 1
	masterLen  = 32
)

// Vault resolves agent signing credentials: it loads the encrypted key
// row for an agent address, decrypts it with the derived master key,
// and verifies the decrypted key actually controls that address.
type Vault struct {
	store     domain.AgentKeyStore
	masterKey []byte
}

// NewVault derives the AES-256 master key from the configured
// passphrase and returns a ready vault.
func NewVault(encryptionKey string, store domain.AgentKeyStore) (*Vault, error) {
	if encryptionKey == "" {
		return nil, errors.New("crypto/vault: encryption key must not be empty")
	}
	master, err := scrypt.Key([]byte(encryptionKey), []byte(scryptSalt), scryptN, scryptR, scryptP, masterLen)
	if err != nil {
		return nil, fmt.Errorf("crypto/vault: deriving master key: %w", err)
	}
	return &Vault{store: store, masterKey: master}, nil
}

// ResolveCredential returns the decrypted signing credential for an
// agent public address, or domain.ErrAgentNotFound when no key row
// exists.
func (v *Vault) ResolveCredential(ctx context.Context, agentAddress string) (domain.Credential, error) {
	row, err := v.store.Get(ctx, strings.ToLower(agentAddress))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Credential{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentAddress)
		}
		return domain.Credential{}, fmt.Errorf("crypto/vault: loading agent key: %w", err)
	}

	keyHex, err := v.decrypt(row.KeyEncrypted, row.KeyIV, row.KeyTag)
	if err != nil {
		return domain.Credential{}, err
	}

	_, addr, err := ParsePrivateKey(keyHex)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("crypto/vault: decrypted key invalid: %w", err)
	}
	if !strings.EqualFold(addr, agentAddress) {
		return domain.Credential{}, fmt.Errorf("crypto/vault: decrypted key controls %s, not %s", addr, agentAddress)
	}

	return domain.Credential{
		Address:    addr,
		PrivateKey: strings.TrimPrefix(keyHex, "0x"),
	}, nil
}

// decrypt opens one ciphertext/iv/tag hex triple with the master key.
// The tag is appended to the ciphertext because Go's GCM, like the
// writer's runtime, treats them as one sealed blob.
func (v *Vault) decrypt(encHex, ivHex, tagHex string) (string, error) {
	enc, err := hex.DecodeString(encHex)
	if err != nil {
		return "", fmt.Errorf("crypto/vault: decoding ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("crypto/vault: decoding iv: %w", err)
	}
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		return "", fmt.Errorf("crypto/vault: decoding tag: %w", err)
	}

	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return "", fmt.Errorf("crypto/vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", fmt.Errorf("crypto/vault: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(enc, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("crypto/vault: decryption failed (master key mismatch?): %w", err)
	}
	return string(plaintext), nil
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key (with or
// without 0x prefix) and returns it with the checksummed address it
// controls.
func ParsePrivateKey(privateKeyHex string) (pk *ecdsa.PrivateKey, address string, err error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, "", fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return key, ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
