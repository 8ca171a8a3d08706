package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

const (
	// Tenant certificate validity: 1 year. Sites behind a real issuer
	// replace these via their ingress controller.
	tenantCertValidity = 365 * 24 * time.Hour

	tenantKeySize = 2048
)

// TLSKeyPair holds a PEM-encoded certificate and private key, the shape
// expected by an orchestrator TLS secret.
type TLSKeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// SelfSignedCertificate mints a self-signed TLS certificate for a
// tenant domain. Used to seed the ingress TLS secret when no external
// certificate issuer is configured.
func SelfSignedCertificate(domain string) (*TLSKeyPair, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	key, err := rsa.GenerateKey(rand.Reader, tenantKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Steward Hosting"},
			CommonName:   domain,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(tenantCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain, "www." + domain},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return &TLSKeyPair{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}
