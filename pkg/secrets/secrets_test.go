package secrets

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/siteforge/steward/pkg/types"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid long key",
			key:     make([]byte, 64),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && m == nil {
				t.Error("NewManager() returned nil without error")
			}
		})
	}
}

func TestNewManagerFromPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "valid password",
			password: "my-secure-password",
			wantErr:  false,
		},
		{
			name:     "empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManagerFromPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManagerFromPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && m == nil {
				t.Error("NewManagerFromPassword() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	m, err := NewManager(key)
	if err != nil {
		t.Fatalf("Failed to create Manager: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "simple string",
			plaintext: []byte("hello world"),
		},
		{
			name:      "json credentials",
			plaintext: []byte(`{"admin_password":"s3cret!","db_password":"qq"}`),
		},
		{
			name:      "binary data",
			plaintext: []byte{0x00, 0x01, 0xff, 0xfe, 0x7f},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := m.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if bytes.Contains(ciphertext, tt.plaintext) {
				t.Error("ciphertext contains plaintext")
			}

			decrypted, err := m.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}

			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("roundtrip mismatch: got %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestDecryptErrors(t *testing.T) {
	m, err := NewManagerFromPassword("pw")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Decrypt(nil); err == nil {
		t.Error("Decrypt(nil) should fail")
	}
	if _, err := m.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Error("Decrypt(short) should fail")
	}

	// Tampered ciphertext must not decrypt
	ct, err := m.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := m.Decrypt(ct); err == nil {
		t.Error("Decrypt(tampered) should fail")
	}

	// Different key must not decrypt
	other, err := NewManagerFromPassword("other-pw")
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := m.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decrypt(ct2); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}

func TestSealOpenCredentials(t *testing.T) {
	m, err := NewManagerFromPassword("cluster-pass")
	if err != nil {
		t.Fatal(err)
	}

	creds := &types.SiteCredentials{
		AdminUser:      "admin",
		AdminPassword:  "Abcdef1234!@#$gh",
		AdminEmail:     "admin@rosa.ex.com",
		DBName:         "wp_padariarosa_3f9a1c",
		DBUser:         "wp_padariarosa_3f9a1c",
		DBPassword:     "dbpass1234567890",
		DBRootPassword: "rootpass123456789012",
		CachePassword:  "cachepass1234567",
	}

	blob, err := m.SealCredentials(creds)
	if err != nil {
		t.Fatalf("SealCredentials() error = %v", err)
	}

	if bytes.Contains(blob, []byte(creds.AdminPassword)) {
		t.Error("sealed blob leaks admin password")
	}
	if bytes.Contains(blob, []byte(creds.DBRootPassword)) {
		t.Error("sealed blob leaks root password")
	}

	got, err := m.OpenCredentials(blob)
	if err != nil {
		t.Fatalf("OpenCredentials() error = %v", err)
	}

	if *got != *creds {
		t.Errorf("roundtrip mismatch:\ngot  %+v\nwant %+v", got, creds)
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pw, err := GeneratePassword(16)
		if err != nil {
			t.Fatalf("GeneratePassword() error = %v", err)
		}
		if len(pw) != 16 {
			t.Fatalf("len = %d, want 16", len(pw))
		}
		for _, r := range pw {
			if !strings.ContainsRune(passwordAlphabet, r) {
				t.Fatalf("password contains %q outside alphabet", r)
			}
		}
		if seen[pw] {
			t.Fatal("duplicate password generated")
		}
		seen[pw] = true
	}

	if _, err := GeneratePassword(0); err == nil {
		t.Error("GeneratePassword(0) should fail")
	}
}

func TestGenerateSiteCredentials(t *testing.T) {
	creds, err := GenerateSiteCredentials("padariarosa_3f9a1c", "rosa.ex.com", "")
	if err != nil {
		t.Fatalf("GenerateSiteCredentials() error = %v", err)
	}

	if len(creds.AdminPassword) != 16 {
		t.Errorf("admin password len = %d, want 16", len(creds.AdminPassword))
	}
	if len(creds.DBPassword) != 16 {
		t.Errorf("db password len = %d, want 16", len(creds.DBPassword))
	}
	if len(creds.DBRootPassword) != 20 {
		t.Errorf("root password len = %d, want 20", len(creds.DBRootPassword))
	}
	if creds.DBName != "wp_padariarosa_3f9a1c" {
		t.Errorf("db name = %q", creds.DBName)
	}
	if creds.AdminEmail != "admin@rosa.ex.com" {
		t.Errorf("fallback admin email = %q", creds.AdminEmail)
	}

	withOwner, err := GenerateSiteCredentials("x_1", "x.ex.com", "owner@ex.com")
	if err != nil {
		t.Fatal(err)
	}
	if withOwner.AdminEmail != "owner@ex.com" {
		t.Errorf("owner email not used: %q", withOwner.AdminEmail)
	}
}

func TestSelfSignedCertificate(t *testing.T) {
	start := time.Now()
	pair, err := SelfSignedCertificate("rosa.ex.com")
	if err != nil {
		t.Fatalf("SelfSignedCertificate() error = %v", err)
	}

	if !bytes.Contains(pair.CertPEM, []byte("BEGIN CERTIFICATE")) {
		t.Error("cert PEM missing header")
	}
	if !bytes.Contains(pair.KeyPEM, []byte("BEGIN RSA PRIVATE KEY")) {
		t.Error("key PEM missing header")
	}
	if time.Since(start) > 30*time.Second {
		t.Log("key generation unusually slow")
	}

	if _, err := SelfSignedCertificate(""); err == nil {
		t.Error("empty domain should fail")
	}
}
