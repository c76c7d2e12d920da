package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const proxyListPage = `<html><body><table>
<thead><tr><th>IP</th><th>Port</th><th>Code</th></tr></thead>
<tbody>
<tr><td>203.0.113.10</td><td>3128</td><td>US</td></tr>
<tr><td>203.0.113.11</td><td>not-a-port</td><td>DE</td></tr>
<tr><td>203.0.113.12</td><td>1080</td><td>DE</td></tr>
</tbody></table></body></html>`

func TestHTMLTableSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, proxyListPage)
	}))
	defer srv.Close()

	src := NewHTMLTableSource(SourceConfig{URL: srv.URL, HostColumn: 0, PortColumn: 1, CountryColumn: 2}, srv.Client())
	eps, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("Fetch() returned %d endpoints, want 2: %+v", len(eps), eps)
	}
	if eps[0].Host != "203.0.113.10" || eps[0].Port != 3128 || eps[0].Country != "US" {
		t.Errorf("first endpoint = %+v", eps[0])
	}
}

func TestRefreshMergesSources(t *testing.T) {
	static := NewStaticSource("static", []EndpointConfig{{Host: "10.0.0.3", Port: 80}})
	p, err := NewPool(Config{Endpoints: []EndpointConfig{{Host: "10.0.0.1", Port: 80}}},
		WithProber(&fakeProber{}), WithSources(static))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	added, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if added != 1 || p.Len() != 2 {
		t.Errorf("Refresh() added %d, Len() = %d", added, p.Len())
	}
}
