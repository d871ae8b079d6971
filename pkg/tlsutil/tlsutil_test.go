package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/synthiot/errors"
)

// generateTestCert creates a self-signed certificate for testing
func generateTestCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"synthiot test"},
			CommonName:   cn,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

// setupTestFiles writes a cert/key pair and uses the same cert as CA
func setupTestFiles(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()

	dir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t, "synth-client")

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")

	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))
	return certFile, keyFile, caFile
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o644))

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
		checkFn func(*testing.T, *tls.Config)
	}{
		{
			name: "defaults use system pool and TLS 1.2",
			cfg:  ClientConfig{},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.NotNil(t, c.RootCAs)
				assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
				assert.False(t, c.InsecureSkipVerify)
				assert.Empty(t, c.Certificates)
			},
		},
		{
			name: "additional CA",
			cfg:  ClientConfig{CAFiles: []string{caFile, caFile}},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.NotNil(t, c.RootCAs)
			},
		},
		{
			name: "TLS 1.3 and server name",
			cfg:  ClientConfig{MinVersion: "1.3", ServerName: "broker.studio"},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
				assert.Equal(t, "broker.studio", c.ServerName)
			},
		},
		{
			name: "insecure skip verify",
			cfg:  ClientConfig{InsecureSkipVerify: true},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.True(t, c.InsecureSkipVerify)
			},
		},
		{
			name: "mutual TLS",
			cfg:  ClientConfig{CAFiles: []string{caFile}, CertFile: certFile, KeyFile: keyFile},
			checkFn: func(t *testing.T, c *tls.Config) {
				require.Len(t, c.Certificates, 1)
			},
		},
		{name: "missing CA file", cfg: ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}}, wantErr: true},
		{name: "invalid CA PEM", cfg: ClientConfig{CAFiles: []string{garbage}}, wantErr: true},
		{name: "cert without key", cfg: ClientConfig{CertFile: certFile}, wantErr: true},
		{name: "missing key file", cfg: ClientConfig{CertFile: certFile, KeyFile: "/nonexistent/key.pem"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadClientConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			if tt.checkFn != nil {
				tt.checkFn(t, got)
			}
		})
	}
}

func TestLoadClientConfig_UnpairedCertIsInvalid(t *testing.T) {
	_, err := LoadClientConfig(ClientConfig{KeyFile: "key.pem"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), ParseVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), ParseVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), ParseVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), ParseVersion("1.0"))

	assert.True(t, ValidVersion(""))
	assert.True(t, ValidVersion("1.3"))
	assert.False(t, ValidVersion("1.1"))
}
