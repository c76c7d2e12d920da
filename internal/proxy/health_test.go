package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func endpointFor(t *testing.T, rawURL string, protocol ProxyType) Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(rawURL)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{ID: EndpointID(host, port), Host: host, Port: port, Protocol: protocol}
}

func TestDefaultProberHTTPProxy(t *testing.T) {
	var gotURL string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proxySrv.Close()

	prober, err := NewDefaultProber("http://probe.test/generate_204", 2*time.Second, nil)
	if err != nil {
		t.Fatalf("NewDefaultProber() error = %v", err)
	}

	ep := endpointFor(t, proxySrv.Listener.Addr().String(), ProxyTypeHTTP)
	latency, err := prober.Probe(context.Background(), ep)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if latency <= 0 {
		t.Errorf("Probe() latency = %v, want > 0", latency)
	}
	if gotURL != "http://probe.test/generate_204" {
		t.Errorf("proxy received %q, want absolute probe URL", gotURL)
	}
}

func TestDefaultProberHTTPProxyBadStatus(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer proxySrv.Close()

	prober, _ := NewDefaultProber("http://probe.test/", time.Second, nil)
	ep := endpointFor(t, proxySrv.Listener.Addr().String(), ProxyTypeHTTP)
	if _, err := prober.Probe(context.Background(), ep); err == nil {
		t.Error("Probe() error = nil, want status failure")
	}
}

func TestDefaultProberSOCKS5Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	prober, _ := NewDefaultProber("https://probe.test/", 500*time.Millisecond, nil)
	ep := endpointFor(t, addr, ProxyTypeSOCKS5)
	if _, err := prober.Probe(context.Background(), ep); err == nil {
		t.Error("Probe() error = nil for closed SOCKS5 port")
	}
}

func TestStartStop(t *testing.T) {
	p := newTestPool(t, testClock(), &fakeProber{})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestCheckAllReportsOutcomes(t *testing.T) {
	clock := testClock()
	p := newTestPool(t, clock, &fakeProber{latency: 50 * time.Millisecond},
		EndpointConfig{Host: "10.0.0.1", Port: 8080},
		EndpointConfig{Host: "10.0.0.2", Port: 8080},
	)
	res := p.CheckAll(context.Background())
	if len(res) != 2 {
		t.Fatalf("CheckAll() returned %d results", len(res))
	}
	for _, ep := range p.List() {
		if ep.ReliabilityScore != DefaultInitialScore+DefaultReliabilityGain {
			t.Errorf("%s reliability = %v", ep.ID, ep.ReliabilityScore)
		}
	}
}

func TestCheckAllRespectsCooldown(t *testing.T) {
	tests := []struct {
		name            string
		advance         time.Duration
		wantProbed      int
		wantBlacklisted bool
	}{
		{name: "cooldown pending", advance: 10 * time.Second, wantProbed: 0, wantBlacklisted: true},
		{name: "cooldown elapsed", advance: DefaultBaseCooldown + time.Second, wantProbed: 1, wantBlacklisted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testClock()
			prober := &fakeProber{latency: 50 * time.Millisecond}
			p := newTestPool(t, clock, prober, EndpointConfig{Host: "10.0.0.1", Port: 8080})
			id := EndpointID("10.0.0.1", 8080)
			for i := 0; i < DefaultFailureThreshold; i++ {
				p.ReportOutcome(id, false, 0)
			}

			clock.Advance(tt.advance)
			res := p.CheckAll(context.Background())
			if len(res) != tt.wantProbed || prober.calls != tt.wantProbed {
				t.Fatalf("CheckAll() probed %d (calls %d), want %d", len(res), prober.calls, tt.wantProbed)
			}
			ep, _ := p.Get(id)
			if ep.Blacklisted != tt.wantBlacklisted {
				t.Errorf("blacklisted = %v, want %v", ep.Blacklisted, tt.wantBlacklisted)
			}
			if tt.wantProbed == 1 && !res[0].Reinstated {
				t.Error("probe result should report reinstatement")
			}
		})
	}
}
