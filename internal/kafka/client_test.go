package kafka

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestKeyPair writes a self-signed certificate and its key into dir.
func writeTestKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"fiso-ingest test"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestClientOptions(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestKeyPair(t, dir)
	badCA := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(badCA, []byte("not a certificate"), 0600); err != nil {
		t.Fatalf("write bad CA: %v", err)
	}

	tests := []struct {
		name     string
		cfg      ClusterConfig
		wantOpts int
		wantErr  bool
	}{
		{
			name:     "brokers only",
			cfg:      ClusterConfig{Brokers: []string{"localhost:9092"}},
			wantOpts: 2,
		},
		{
			name:     "dial timeout does not add an option",
			cfg:      ClusterConfig{Brokers: []string{"localhost:9092"}, DialTimeout: time.Second},
			wantOpts: 2,
		},
		{
			name:     "client id",
			cfg:      ClusterConfig{Brokers: []string{"localhost:9092"}, ClientID: "ingest"},
			wantOpts: 3,
		},
		{
			name: "sasl scram",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "SCRAM-SHA-256", Username: "u", Password: "p"},
			},
			wantOpts: 3,
		},
		{
			name: "unsupported sasl",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "GSSAPI", Username: "u", Password: "p"},
			},
			wantErr: true,
		},
		{
			name: "tls with CA and client cert",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9093"},
				TLS:     TLSConfig{Enabled: true, CAFile: certFile, CertFile: certFile, KeyFile: keyFile},
			},
			wantOpts: 3,
		},
		{
			name: "tls with missing CA",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9093"},
				TLS:     TLSConfig{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")},
			},
			wantErr: true,
		},
		{
			name: "tls with invalid CA",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9093"},
				TLS:     TLSConfig{Enabled: true, CAFile: badCA},
			},
			wantErr: true,
		},
		{
			name: "tls disabled ignores files",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				TLS:     TLSConfig{CAFile: badCA},
			},
			wantOpts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ClientOptions(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ClientOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(opts) != tt.wantOpts {
				t.Errorf("ClientOptions() returned %d options, want %d", len(opts), tt.wantOpts)
			}
		})
	}
}

func TestMechanisms(t *testing.T) {
	for name, build := range mechanisms {
		t.Run(name, func(t *testing.T) {
			m := build("u", "p")
			if m == nil || m.Name() != name {
				t.Fatalf("mechanism = %v, want %s", m, name)
			}
		})
	}
	if got := mechanismNames(); got != "PLAIN, SCRAM-SHA-256, SCRAM-SHA-512" {
		t.Errorf("mechanismNames() = %q", got)
	}
}

func TestTLSConfig_Config(t *testing.T) {
	certFile, keyFile := writeTestKeyPair(t, t.TempDir())

	tlsCfg, err := TLSConfig{Enabled: true, SkipVerify: true, ServerName: "kafka.internal", CertFile: certFile, KeyFile: keyFile}.Config()
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if !tlsCfg.InsecureSkipVerify || tlsCfg.ServerName != "kafka.internal" {
		t.Errorf("tls config = skipVerify %v, serverName %q", tlsCfg.InsecureSkipVerify, tlsCfg.ServerName)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Error("client certificate not loaded")
	}
	if tlsCfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x", tlsCfg.MinVersion)
	}

	if _, err := (TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}).Config(); err == nil {
		t.Error("Config() should fail with nonexistent cert/key files")
	}
}
