package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 iteration count per current OWASP guidance for HMAC-SHA256.
const pbkdf2Iterations = 480_000

const keyfileVersion = 1

// keyfile is the on-disk format for a password-encrypted operator key.
// All binary fields are standard base64.
type keyfile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// OperatorKeyConfig names the sources LoadOperatorKey may draw from.
// The operator key signs requests that are not delegated to a per-user
// agent.
type OperatorKeyConfig struct {
	// RawPrivateKey, when set, is used directly (hex, 0x optional).
	RawPrivateKey string
	// EncryptedKeyPath points at a keyfile produced by EncryptKeyFile,
	// unlocked with KeyPassword.
	EncryptedKeyPath string
	KeyPassword      string
}

// LoadOperatorKey resolves the operator private key, preferring the raw
// key over the encrypted file. Returns hex without the 0x prefix.
func LoadOperatorKey(cfg OperatorKeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(strings.TrimSpace(cfg.RawPrivateKey), "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: operator key is not hex: %w", err)
		}
		return k, nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: operator keyfile: %w", err)
		}
		return DecryptKeyFile(data, cfg.KeyPassword)
	}
	return "", errors.New("crypto: no operator key configured")
}

// EncryptKeyFile seals a 32-byte hex private key under a password,
// PBKDF2-SHA256 for the key and AES-256-GCM for the payload, and
// returns the keyfile JSON.
func EncryptKeyFile(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty keyfile password")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(raw))
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := fileCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	return json.MarshalIndent(keyfile{
		Version:    keyfileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, raw, nil)),
	}, "", "  ")
}

// DecryptKeyFile opens a keyfile and returns the private key hex
// without the 0x prefix.
func DecryptKeyFile(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty keyfile password")
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	if kf.Version != keyfileVersion {
		return "", fmt.Errorf("crypto: keyfile version %d not supported", kf.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile ciphertext: %w", err)
	}

	gcm, err := fileCipher(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile decrypt (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

func fileCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}
