package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/scrypt"

	"github.com/calebmoy/perpagent/internal/domain"
)

const testPrivKey = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"

// agentAddr derives the address the test key controls.
func agentAddr(t *testing.T) string {
	t.Helper()
	_, addr, err := ParsePrivateKey(testPrivKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	return addr
}

type fakeAgentStore struct {
	rows map[string]domain.AgentKey
}

func (f *fakeAgentStore) Get(_ context.Context, agentAddress string) (domain.AgentKey, error) {
	row, ok := f.rows[agentAddress]
	if !ok {
		return domain.AgentKey{}, domain.ErrNotFound
	}
	return row, nil
}

func (f *fakeAgentStore) ListByUser(context.Context, string) ([]domain.AgentKey, error) {
	return nil, nil
}

func (f *fakeAgentStore) Put(_ context.Context, key domain.AgentKey) error {
	f.rows[key.AgentAddress] = key
	return nil
}

// sealAgentKey encrypts plaintext the way the key writer does: AES-256-GCM
// under the scrypt-derived master key, 12-byte IV, tag stored separately.
func sealAgentKey(t *testing.T, passphrase, plaintext string) (encHex, ivHex, tagHex string) {
	t.Helper()
	master, err := scrypt.Key([]byte(passphrase), []byte(scryptSalt), scryptN, scryptR, scryptP, masterLen)
	if err != nil {
		t.Fatalf("scrypt: %v", err)
	}
	block, err := aes.NewCipher(master)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("iv: %v", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]
	return hex.EncodeToString(ct), hex.EncodeToString(iv), hex.EncodeToString(tag)
}

func TestResolveCredential(t *testing.T) {
	const passphrase = "unit-test-master-key"
	addr := agentAddr(t)
	enc, iv, tag := sealAgentKey(t, passphrase, testPrivKey)

	store := &fakeAgentStore{rows: map[string]domain.AgentKey{
		strings.ToLower(addr): {
			UserAddress:  "0x0000000000000000000000000000000000000001",
			AgentAddress: strings.ToLower(addr),
			KeyEncrypted: enc,
			KeyIV:        iv,
			KeyTag:       tag,
		},
	}}

	vault, err := NewVault(passphrase, store)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	cred, err := vault.ResolveCredential(context.Background(), addr)
	if err != nil {
		t.Fatalf("ResolveCredential: %v", err)
	}
	if cred.PrivateKey != testPrivKey {
		t.Errorf("unexpected private key: %s", cred.PrivateKey)
	}
	if !strings.EqualFold(cred.Address, addr) {
		t.Errorf("unexpected address: %s", cred.Address)
	}
}

func TestResolveCredentialUnknownAgent(t *testing.T) {
	vault, err := NewVault("k", &fakeAgentStore{rows: map[string]domain.AgentKey{}})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	_, err = vault.ResolveCredential(context.Background(), "0x00000000000000000000000000000000000000bb")
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestResolveCredentialWrongMasterKey(t *testing.T) {
	addr := agentAddr(t)
	enc, iv, tag := sealAgentKey(t, "right-key", testPrivKey)
	store := &fakeAgentStore{rows: map[string]domain.AgentKey{
		strings.ToLower(addr): {
			AgentAddress: strings.ToLower(addr),
			KeyEncrypted: enc, KeyIV: iv, KeyTag: tag,
		},
	}}
	vault, err := NewVault("wrong-key", store)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if _, err := vault.ResolveCredential(context.Background(), addr); err == nil {
		t.Error("expected decryption failure with wrong master key")
	}
}

func TestResolveCredentialAddressMismatch(t *testing.T) {
	const passphrase = "unit-test-master-key"
	enc, iv, tag := sealAgentKey(t, passphrase, testPrivKey)
	// Key row claims an address the decrypted key does not control.
	other := "0x00000000000000000000000000000000000000aa"
	store := &fakeAgentStore{rows: map[string]domain.AgentKey{
		other: {AgentAddress: other, KeyEncrypted: enc, KeyIV: iv, KeyTag: tag},
	}}
	vault, err := NewVault(passphrase, store)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if _, err := vault.ResolveCredential(context.Background(), other); err == nil {
		t.Error("expected address-mismatch failure")
	}
}

func TestOperatorKeyFileRoundTrip(t *testing.T) {
	blob, err := EncryptKeyFile(testPrivKey, "pass123")
	if err != nil {
		t.Fatalf("EncryptKeyFile: %v", err)
	}
	got, err := DecryptKeyFile(blob, "pass123")
	if err != nil {
		t.Fatalf("DecryptKeyFile: %v", err)
	}
	if got != testPrivKey {
		t.Errorf("round trip mismatch: %s", got)
	}
	if _, err := DecryptKeyFile(blob, "wrong"); err == nil {
		t.Error("expected failure with wrong password")
	}
}
