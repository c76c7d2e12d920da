// internal/proxy/tls.go
package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig configures certificate handling for probes and executor
// transports that egress through the pool.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Only for
	// intercepting proxies in controlled environments.
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	ServerName         string   `yaml:"server_name,omitempty" json:"server_name,omitempty"`
	RootCAs            []string `yaml:"root_cas,omitempty" json:"root_cas,omitempty"`
	ClientCert         string   `yaml:"client_cert,omitempty" json:"client_cert,omitempty"`
	ClientKey          string   `yaml:"client_key,omitempty" json:"client_key,omitempty"`
}

// BuildTLSConfig creates a tls.Config from TLS configuration
func BuildTLSConfig(config *TLSConfig) (*tls.Config, error) {
	if config == nil {
		return GetDefaultTLSConfig(), nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.InsecureSkipVerify,
		ServerName:         config.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	if config.InsecureSkipVerify {
		poolLogger.Warn("TLS certificate verification is disabled for proxy traffic")
	}

	if len(config.RootCAs) > 0 {
		rootCAs := x509.NewCertPool()
		for _, caFile := range config.RootCAs {
			caCert, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read root CA file %s: %w", caFile, err)
			}
			if !rootCAs.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse root CA certificate from %s", caFile)
			}
		}
		tlsConfig.RootCAs = rootCAs
	}

	if config.ClientCert != "" && config.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.ClientCert, config.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// ValidateTLSConfig validates TLS configuration
func ValidateTLSConfig(config *TLSConfig) error {
	if config == nil {
		return nil
	}

	if (config.ClientCert != "") != (config.ClientKey != "") {
		return fmt.Errorf("both client_cert and client_key must be provided for mutual TLS")
	}

	for _, f := range append([]string{config.ClientCert, config.ClientKey}, config.RootCAs...) {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); os.IsNotExist(err) {
			return fmt.Errorf("TLS file does not exist: %s", f)
		}
	}
	return nil
}

// GetDefaultTLSConfig returns a secure default TLS configuration
func GetDefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
}
