// Package tls builds the server TLS configuration shared by the SMTP
// STARTTLS extension and the admin API listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// selfSignedValidity is how long a generated certificate stays valid.
const selfSignedValidity = 365 * 24 * time.Hour

var defaultHosts = []string{"localhost", "127.0.0.1"}

// ErrPartialKeyPair is returned when only one of the certificate and key
// files is configured.
var ErrPartialKeyPair = errors.New("tls: cert_file and key_file must be set together")

// Options selects where the server certificate comes from.
type Options struct {
	CertFile string
	KeyFile  string

	// Hosts are the names and addresses a generated certificate covers.
	// Defaults to localhost and 127.0.0.1.
	Hosts []string
}

// SelfSigned reports whether Load will generate a certificate.
func (o Options) SelfSigned() bool {
	return o.CertFile == "" && o.KeyFile == ""
}

// Mode describes the certificate source for startup logs.
func (o Options) Mode() string {
	if o.SelfSigned() {
		return "self-signed"
	}
	return "file"
}

// Load returns a server tls.Config using the configured key pair, or an
// in-memory self-signed certificate when no files are configured.
func Load(opts Options) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)

	switch {
	case opts.SelfSigned():
		cert, err = GenerateSelfSigned(opts.Hosts, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
	case opts.CertFile == "" || opts.KeyFile == "":
		return nil, ErrPartialKeyPair
	default:
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// GenerateSelfSigned creates an ECDSA P-256 certificate for hosts, valid for
// one year from now. IP literals become IP SANs, everything else DNS SANs.
// The first host is used as the common name.
func GenerateSelfSigned(hosts []string, now time.Time) (tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = defaultHosts
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0], Organization: []string{"m365-mailer"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
