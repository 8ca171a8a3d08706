package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"github.com/siteforge/steward/pkg/types"
)

// Manager handles encryption and decryption of tenant credentials
type Manager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewManager creates a new secrets manager with the given encryption key
// The key must be 32 bytes for AES-256-GCM
func NewManager(key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Manager{
		encryptionKey: key,
	}, nil
}

// NewManagerFromPassword creates a secrets manager using a password
// The password is hashed with SHA-256 to derive the encryption key
func NewManagerFromPassword(password string) (*Manager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	// Derive 32-byte key from password using SHA-256
	hash := sha256.Sum256([]byte(password))
	return NewManager(hash[:])
}

// Encrypt encrypts plaintext using AES-256-GCM
// Returns encrypted data with nonce prepended
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data encrypted with Encrypt
// Expects nonce to be prepended to ciphertext
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// SealCredentials serializes and encrypts site credentials for storage
// in the tenant row. The plaintext never touches disk.
func (m *Manager) SealCredentials(creds *types.SiteCredentials) ([]byte, error) {
	if creds == nil {
		return nil, fmt.Errorf("credentials cannot be nil")
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credentials: %w", err)
	}

	return m.Encrypt(plain)
}

// OpenCredentials decrypts a sealed credentials blob
func (m *Manager) OpenCredentials(blob []byte) (*types.SiteCredentials, error) {
	plain, err := m.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}

	var creds types.SiteCredentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("failed to deserialize credentials: %w", err)
	}

	return &creds, nil
}

// DeriveKeyFromPassphrase derives an encryption key from a passphrase.
// Used at startup when no raw key file is configured.
func DeriveKeyFromPassphrase(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// passwordAlphabet is the 62 alphanumerics plus 8 punctuation chars used
// for all generated passwords.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

const (
	adminPasswordLen = 16
	dbPasswordLen    = 16
	rootPasswordLen  = 20
	cachePasswordLen = 16
)

// GeneratePassword produces a random password of length n from the
// shared alphabet using crypto/rand.
func GeneratePassword(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("password length must be positive, got %d", n)
	}

	out := make([]byte, n)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		out[i] = passwordAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// RandomHex returns 2n random hex characters.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateSiteCredentials mints the full credential set for a new
// tenant: WordPress admin, database user/root and cache passwords.
// Called exactly once per tenant, by the provisioner.
func GenerateSiteCredentials(tenantID, domain, ownerEmail string) (*types.SiteCredentials, error) {
	adminPass, err := GeneratePassword(adminPasswordLen)
	if err != nil {
		return nil, err
	}
	dbPass, err := GeneratePassword(dbPasswordLen)
	if err != nil {
		return nil, err
	}
	rootPass, err := GeneratePassword(rootPasswordLen)
	if err != nil {
		return nil, err
	}
	cachePass, err := GeneratePassword(cachePasswordLen)
	if err != nil {
		return nil, err
	}

	email := ownerEmail
	if email == "" {
		email = "admin@" + domain
	}

	return &types.SiteCredentials{
		AdminUser:      "admin",
		AdminPassword:  adminPass,
		AdminEmail:     email,
		DBName:         "wp_" + tenantID,
		DBUser:         "wp_" + tenantID,
		DBPassword:     dbPass,
		DBRootPassword: rootPass,
		CachePassword:  cachePass,
	}, nil
}
