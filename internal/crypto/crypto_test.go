package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestManagerRoundTripsStrings(t *testing.T) {
	m, err := NewManager("master-secret-for-tests")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	enc, err := m.EncryptString("tenant-api-secret")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if enc == "tenant-api-secret" {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := m.DecryptString(enc)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if dec != "tenant-api-secret" {
		t.Fatalf("DecryptString = %q", dec)
	}
}

func TestManagerRejectsOtherKey(t *testing.T) {
	a, _ := NewManager("key-a")
	b, _ := NewManager("key-b")

	enc, err := a.EncryptString("payload")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := b.DecryptString(enc); err == nil {
		t.Fatal("expected decrypt with a different key to fail")
	}
}

func TestNewManagerRejectsEmptySecret(t *testing.T) {
	if _, err := NewManager("   "); err == nil {
		t.Fatal("expected error for empty master secret")
	}
}

func TestDecryptShortCiphertext(t *testing.T) {
	m, _ := NewManager("k")
	if _, err := m.Decrypt([]byte{1, 2}); err != ErrCiphertextTooShort {
		t.Fatalf("err = %v, want ErrCiphertextTooShort", err)
	}
}

func TestKeyFileIsCreatedOnceAndReused(t *testing.T) {
	dir := t.TempDir()

	first, err := NewManagerFromKeyFile(dir)
	if err != nil {
		t.Fatalf("NewManagerFromKeyFile: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, ".encryption.key"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key perms = %v, want 0600", info.Mode().Perm())
	}

	enc, _ := first.EncryptString("x")
	second, err := NewManagerFromKeyFile(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, err := second.DecryptString(enc); err != nil || got != "x" {
		t.Fatalf("reloaded key cannot decrypt: %q %v", got, err)
	}
}

func TestGenerateSecretHasRequiredEntropy(t *testing.T) {
	s, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != SecretBytes {
		t.Fatalf("secret has %d bytes, want %d", len(raw), SecretBytes)
	}

	other, _ := GenerateSecret()
	if s == other {
		t.Fatal("two generated secrets are equal")
	}
}

func TestSecretsEqual(t *testing.T) {
	if !SecretsEqual("abc", "abc") {
		t.Fatal("equal secrets did not match")
	}
	if SecretsEqual("abc", "abd") {
		t.Fatal("different secrets matched")
	}
	if SecretsEqual("", "") {
		t.Fatal("empty secrets must never match")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse") {
		t.Fatal("CheckPassword rejected the right password")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatal("CheckPassword accepted a wrong password")
	}
}

func TestGeneratePasswordLength(t *testing.T) {
	p, err := GeneratePassword(16)
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if len(p) != 16 {
		t.Fatalf("len = %d, want 16", len(p))
	}
}
