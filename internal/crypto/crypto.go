package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32 // AES-256

	// SecretBytes is the entropy of a per-subscription shared secret.
	SecretBytes = 48
	// TokenBytes is the entropy of an email verification token.
	TokenBytes = 48

	hkdfInfo = "rokct field encryption v1"
)

// ErrCiphertextTooShort is returned when the ciphertext cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Manager handles encryption and decryption of secret fields at rest.
type Manager struct {
	key []byte
}

// NewManager derives an AES-256 key from a configured master secret.
func NewManager(masterSecret string) (*Manager, error) {
	masterSecret = strings.TrimSpace(masterSecret)
	if masterSecret == "" {
		return nil, fmt.Errorf("encryption master secret is empty")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &Manager{key: key}, nil
}

// NewManagerFromKeyFile loads the key stored in dir, creating one if missing.
func NewManagerFromKeyFile(dir string) (*Manager, error) {
	key, err := getOrCreateKey(filepath.Join(dir, ".encryption.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &Manager{key: key}, nil
}

func getOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key := make([]byte, keySize)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == keySize {
			return key, nil
		}
		return nil, fmt.Errorf("encryption key at %s is malformed", keyPath)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Str("path", keyPath).Msg("Generated new encryption key")
	return key, nil
}

// Encrypt encrypts data using AES-GCM. The nonce is prepended.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := m.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := m.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptString encrypts a string and returns base64
func (m *Manager) EncryptString(plaintext string) (string, error) {
	encrypted, err := m.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString decrypts a base64 string
func (m *Manager) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	decrypted, err := m.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(decrypted), nil
}

func (m *Manager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// RandomString returns n random bytes encoded as unpadded URL-safe base64.
func RandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateSecret returns a fresh per-subscription shared secret.
func GenerateSecret() (string, error) {
	return RandomString(SecretBytes)
}

// GenerateToken returns a fresh single-use verification token.
func GenerateToken() (string, error) {
	return RandomString(TokenBytes)
}

// GeneratePassword returns a random password of roughly n characters.
func GeneratePassword(n int) (string, error) {
	s, err := RandomString(n)
	if err != nil {
		return "", err
	}
	return s[:n], nil
}

// SecretsEqual compares two secrets in constant time.
// Empty values never match.
func SecretsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashPassword hashes a user password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
