package kafka

import (
	"strings"
	"testing"
	"time"
)

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		wantErr string
	}{
		{
			name: "valid minimal config",
			cfg:  ClusterConfig{Brokers: []string{"localhost:9092"}},
		},
		{
			name: "valid with SCRAM-SHA-512",
			cfg: ClusterConfig{
				Brokers: []string{"b1:9092", "b2:9092"},
				Auth:    AuthConfig{Mechanism: "SCRAM-SHA-512", Username: "user", Password: "pass"},
			},
		},
		{
			name: "valid with mTLS",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9093"},
				TLS:     TLSConfig{Enabled: true, CertFile: "/path/cert.pem", KeyFile: "/path/key.pem"},
			},
		},
		{
			name:    "missing brokers",
			cfg:     ClusterConfig{},
			wantErr: "brokers are required",
		},
		{
			name:    "empty host",
			cfg:     ClusterConfig{Brokers: []string{":9092"}},
			wantErr: "must be host:port",
		},
		{
			name:    "negative dial timeout",
			cfg:     ClusterConfig{Brokers: []string{"localhost:9092"}, DialTimeout: -time.Second},
			wantErr: "dialTimeout",
		},
		{
			name:    "broker without port",
			cfg:     ClusterConfig{Brokers: []string{"localhost"}},
			wantErr: "must be host:port",
		},
		{
			name: "invalid auth mechanism",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "GSSAPI", Username: "user", Password: "pass"},
			},
			wantErr: "must be one of PLAIN, SCRAM-SHA-256, SCRAM-SHA-512",
		},
		{
			name: "auth without username",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "PLAIN", Password: "pass"},
			},
			wantErr: "auth.username is required",
		},
		{
			name: "auth without password",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "PLAIN", Username: "user"},
			},
			wantErr: "auth.password is required",
		},
		{
			name: "certFile without keyFile",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				TLS:     TLSConfig{Enabled: true, CertFile: "/path/cert.pem"},
			},
			wantErr: "must be set together",
		},
		{
			name: "keyFile without certFile",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				TLS:     TLSConfig{Enabled: true, KeyFile: "/path/key.pem"},
			},
			wantErr: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClustersFile_Validate(t *testing.T) {
	file := ClustersFile{
		Clusters: map[string]ClusterConfig{
			"main": {Brokers: []string{"localhost:9092"}},
			"bad":  {},
		},
	}
	err := file.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	if !strings.Contains(err.Error(), `cluster "bad"`) {
		t.Errorf("Validate() error = %v, want it to name the bad cluster", err)
	}
}
