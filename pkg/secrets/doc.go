// Package secrets seals tenant credentials with AES-256-GCM and
// generates the credential material minted at provisioning time.
//
// The sealed blob (nonce prepended to ciphertext) is the only form in
// which credentials persist; the encryption key comes from config or is
// derived from a passphrase with SHA-256. SelfSignedCertificate seeds
// tenant ingress TLS secrets when no external issuer is wired.
package secrets
