// internal/proxy/transport.go
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// NewTransport builds an http.Transport that egresses through ep.
// HTTP and HTTPS proxies use the standard Proxy hook (CONNECT for TLS
// targets); SOCKS5 proxies dial through golang.org/x/net/proxy.
func NewTransport(ep Endpoint, tlsConfig *tls.Config, timeout time.Duration) (*http.Transport, error) {
	if tlsConfig == nil {
		tlsConfig = GetDefaultTLSConfig()
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   timeout / 2,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	switch ep.Protocol {
	case ProxyTypeHTTP, ProxyTypeHTTPS:
		transport.Proxy = http.ProxyURL(ep.URL())
		transport.DialContext = dialer.DialContext
	case ProxyTypeSOCKS5:
		contextDialer, err := SOCKS5Dialer(ep, dialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = contextDialer.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", ep.Protocol)
	}
	return transport, nil
}

// SOCKS5Dialer returns a context-aware dialer tunnelling through ep.
func SOCKS5Dialer(ep Endpoint, forward *net.Dialer) (xproxy.ContextDialer, error) {
	if forward == nil {
		forward = &net.Dialer{}
	}
	var auth *xproxy.Auth
	if ep.Username != "" {
		auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
	}
	d, err := xproxy.SOCKS5("tcp", ep.Address(), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

// DirectTransport returns a transport without a proxy.
func DirectTransport(tlsConfig *tls.Config, timeout time.Duration) *http.Transport {
	if tlsConfig == nil {
		tlsConfig = GetDefaultTLSConfig()
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: timeout / 2,
		IdleConnTimeout:     90 * time.Second,
	}
}
