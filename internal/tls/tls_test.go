package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSigned_Defaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cert, err := GenerateSelfSigned(nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("Leaf is nil")
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Errorf("DNS SANs: got %v, want [localhost]", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}
	if want := now.Add(selfSignedValidity); !leaf.NotAfter.Equal(want) {
		t.Errorf("NotAfter: got %v, want %v", leaf.NotAfter, want)
	}
	if leaf.NotBefore.After(now) {
		t.Errorf("NotBefore %v is after %v", leaf.NotBefore, now)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
	if err := leaf.CheckSignatureFrom(leaf); err != nil {
		t.Errorf("certificate is not self-signed: %v", err)
	}
}

func TestGenerateSelfSigned_Hosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSigned([]string{"mail.example.com", "10.0.0.5", "::1"}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cert.Leaf.Subject.CommonName != "mail.example.com" {
		t.Errorf("CN: got %q, want %q", cert.Leaf.Subject.CommonName, "mail.example.com")
	}
	if err := cert.Leaf.VerifyHostname("mail.example.com"); err != nil {
		t.Errorf("VerifyHostname(mail.example.com): %v", err)
	}
	if err := cert.Leaf.VerifyHostname("10.0.0.5"); err != nil {
		t.Errorf("VerifyHostname(10.0.0.5): %v", err)
	}
	if len(cert.Leaf.IPAddresses) != 2 {
		t.Errorf("IP SANs: got %v, want 2 addresses", cert.Leaf.IPAddresses)
	}
}

func TestLoad_SelfSigned(t *testing.T) {
	t.Parallel()

	opts := Options{}
	if !opts.SelfSigned() || opts.Mode() != "self-signed" {
		t.Errorf("Mode: got %q, want self-signed", opts.Mode())
	}

	cfg, err := Load(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", cfg.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoad_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSigned([]string{"relay.internal"}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := Options{CertFile: certFile, KeyFile: keyFile}
	if opts.Mode() != "file" {
		t.Errorf("Mode: got %q, want %q", opts.Mode(), "file")
	}

	cfg, err := Load(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse loaded certificate: %v", err)
	}
	if leaf.Subject.CommonName != "relay.internal" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "relay.internal")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Load(Options{CertFile: "/nonexistent/cert.pem"}); !errors.Is(err, ErrPartialKeyPair) {
		t.Errorf("cert only: got %v, want %v", err, ErrPartialKeyPair)
	}
	if _, err := Load(Options{KeyFile: "/nonexistent/key.pem"}); !errors.Is(err, ErrPartialKeyPair) {
		t.Errorf("key only: got %v, want %v", err, ErrPartialKeyPair)
	}
	if _, err := Load(Options{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}); err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}
