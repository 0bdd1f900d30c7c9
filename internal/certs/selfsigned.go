// Package certs provides the server's TLS certificate: either a key pair
// loaded from disk or a self-signed ECDSA P-256 certificate. Self-signed
// certificates stay within the 14-day validity that browsers accept for
// certificate-hash pinning over HTTP/3.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

const maxValidity = 14 * 24 * time.Hour

// CertInfo holds a TLS certificate and the SHA-256 fingerprint of its leaf.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
	SelfSigned  bool
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// TLSConfig returns a server TLS configuration serving the certificate.
func (c *CertInfo) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// Generate creates a new self-signed ECDSA P-256 certificate valid for the
// given duration, capped at 14 days. Extra hosts are added to the
// certificate as IP or DNS subject alternative names.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 || validity > maxValidity {
		validity = maxValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	tmpl, err := selfSignedTemplate(time.Now(), validity, hosts)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return newCertInfo(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, true)
}

// selfSignedTemplate describes a server certificate for the loopback
// addresses plus hosts. NotBefore is backdated a minute for clock skew.
func selfSignedTemplate(now time.Time, validity time.Duration, hosts []string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	names := []string{"localhost"}
	for _, h := range hosts {
		switch ip := net.ParseIP(h); {
		case ip != nil:
			ips = append(ips, ip)
		case h != "":
			names = append(names, h)
		}
	}
	start := now.Add(-time.Minute)
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "sofa"},
		NotBefore:    start,
		NotAfter:     start.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     names,
		IPAddresses:  ips,
	}, nil
}

// Load reads a PEM certificate chain and key.
func Load(certFile, keyFile string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return newCertInfo(pair, false)
}

// newCertInfo parses the leaf of pair and fingerprints it.
func newCertInfo(pair tls.Certificate, selfSigned bool) (*CertInfo, error) {
	if len(pair.Certificate) == 0 {
		return nil, errors.New("load key pair: no certificate")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pair.Leaf = leaf
	return &CertInfo{
		TLSCert:     pair,
		Fingerprint: sha256.Sum256(pair.Certificate[0]),
		NotAfter:    leaf.NotAfter,
		SelfSigned:  selfSigned,
	}, nil
}

// Resolve loads certFile and keyFile when both are set and otherwise
// generates a self-signed certificate covering hosts.
func Resolve(certFile, keyFile string, hosts ...string) (*CertInfo, error) {
	if certFile != "" && keyFile != "" {
		return Load(certFile, keyFile)
	}
	return Generate(maxValidity, hosts...)
}
