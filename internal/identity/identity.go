// Package identity управляет криптографической личностью установки:
// ed25519-ключом и самоподписанным X.509 сертификатом. Никакого
// центрального CA нет — доверие закрепляется при pairing через
// отпечаток сертификата.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// certValidity срок действия самоподписанного сертификата
const certValidity = 10 * 365 * 24 * time.Hour

// peerIDBytes сколько байт отпечатка попадает в человекочитаемый peer id
const peerIDBytes = 8

// Identity криптографическая личность установки. DeviceID стабилен на
// весь срок жизни установки и детерминированно выводится из отпечатка
// сертификата — он же служит origin_device_id в журнале изменений.
type Identity struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	CertPEM     []byte `json:"cert_pem"`
	KeyPEM      []byte `json:"key_pem"`
}

// Generate создает новую личность: ed25519 ключ и самоподписанный
// сертификат с длительным сроком действия
func Generate(displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: displayName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	fp := Fingerprint(certDER)

	return &Identity{
		DeviceID:    PeerIDFromFingerprint(fp),
		DisplayName: displayName,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// TLSCertificate возвращает сертификат в виде, пригодном для tls.Config
func (i *Identity) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(i.CertPEM, i.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}
	return cert, nil
}

// CertDER возвращает DER-кодирование сертификата
func (i *Identity) CertDER() ([]byte, error) {
	block, _ := pem.Decode(i.CertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("invalid certificate PEM")
	}
	return block.Bytes, nil
}

// Fingerprint возвращает SHA-256 отпечаток сертификата установки
func (i *Identity) Fingerprint() ([]byte, error) {
	der, err := i.CertDER()
	if err != nil {
		return nil, err
	}
	return Fingerprint(der), nil
}

// PrivateKey возвращает ed25519 приватный ключ (для подписи session hello)
func (i *Identity) PrivateKey() (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(i.KeyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", key)
	}
	return priv, nil
}

// Fingerprint вычисляет SHA-256 отпечаток DER-кодированного сертификата
func Fingerprint(certDER []byte) []byte {
	sum := sha256.Sum256(certDER)
	return sum[:]
}

// PeerIDFromFingerprint выводит стабильный идентификатор peer-а из
// отпечатка сертификата
func PeerIDFromFingerprint(fp []byte) string {
	if len(fp) < peerIDBytes {
		return hex.EncodeToString(fp)
	}
	return hex.EncodeToString(fp[:peerIDBytes])
}

// PublicKeyFromCertDER извлекает ed25519 публичный ключ из сертификата
// (для проверки подписи session hello закрепленным ключом peer-а)
func PublicKeyFromCertDER(certDER []byte) (ed25519.PublicKey, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", cert.PublicKey)
	}
	return pub, nil
}
