// Package tlsutil builds client TLS configurations for broker connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/synthiot/errors"
)

// ClientConfig describes how to verify the broker and, optionally, how to
// authenticate to it with a client certificate
type ClientConfig struct {
	// CAFiles are trusted in addition to the system pool
	CAFiles []string
	// CertFile and KeyFile enable mutual TLS when both are set
	CertFile string
	KeyFile  string
	// ServerName overrides the name checked against the broker certificate
	ServerName         string
	InsecureSkipVerify bool
	// MinVersion is "1.2" or "1.3", 1.2 when empty
	MinVersion string
}

// LoadClientConfig creates a tls.Config from cfg.
// The system CA bundle is always trusted; CAFiles extend it.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.WrapInvalid(fmt.Errorf("cert_file and key_file must be set together"),
			"tlsutil", "LoadClientConfig", "check client certificate")
	}

	tlsConfig := &tls.Config{
		MinVersion: ParseVersion(cfg.MinVersion),
		ServerName: cfg.ServerName,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientConfig", fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// operators opt into this for self-signed lab brokers
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify

	return tlsConfig, nil
}

// ParseVersion converts "1.2" or "1.3" to the crypto/tls constant.
// Anything else yields TLS 1.2.
func ParseVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// ValidVersion reports whether version is accepted by ParseVersion as-is
func ValidVersion(version string) bool {
	return version == "" || version == "1.2" || version == "1.3"
}
