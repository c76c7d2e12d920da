// internal/proxy/tls_test.go
package proxy

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildTLSConfig(t *testing.T) {
	tests := []struct {
		name         string
		config       *TLSConfig
		wantInsecure bool
		wantServer   string
	}{
		{"nil", nil, false, ""},
		{"secure", &TLSConfig{}, false, ""},
		{"insecure", &TLSConfig{InsecureSkipVerify: true}, true, ""},
		{"server name", &TLSConfig{ServerName: "example.com"}, false, "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := BuildTLSConfig(tt.config)
			if err != nil {
				t.Fatalf("BuildTLSConfig() returned error: %v", err)
			}
			if cfg.InsecureSkipVerify != tt.wantInsecure {
				t.Errorf("InsecureSkipVerify = %v, want %v", cfg.InsecureSkipVerify, tt.wantInsecure)
			}
			if cfg.ServerName != tt.wantServer {
				t.Errorf("ServerName = %q, want %q", cfg.ServerName, tt.wantServer)
			}
			if cfg.MinVersion != tls.VersionTLS12 {
				t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
			}
		})
	}
}

func TestBuildTLSConfigBadRootCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	os.WriteFile(path, []byte("not a certificate"), 0o600)

	if _, err := BuildTLSConfig(&TLSConfig{RootCAs: []string{path}}); err == nil {
		t.Error("BuildTLSConfig() error = nil for invalid CA")
	}
}

func TestValidateTLSConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *TLSConfig
		wantErr bool
	}{
		{"nil", nil, false},
		{"cert without key", &TLSConfig{ClientCert: "c.pem"}, true},
		{"missing files", &TLSConfig{ClientCert: "/nonexistent/c.pem", ClientKey: "/nonexistent/k.pem"}, true},
		{"missing ca", &TLSConfig{RootCAs: []string{"/nonexistent/ca.pem"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateTLSConfig(tt.config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateTLSConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
