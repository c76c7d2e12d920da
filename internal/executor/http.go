// internal/executor/http.go
package executor

import (
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/valpere/MediaHarvester/internal/identity"
	"github.com/valpere/MediaHarvester/internal/proxy"
	"github.com/valpere/MediaHarvester/internal/strategy"
)

// identityTransport stamps identity headers on requests that do not
// already carry them. Client libraries that set their own User-Agent
// keep it.
type identityTransport struct {
	base http.RoundTripper
	id   identity.Identity
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" && t.id.UserAgent != "" {
		r.Header.Set("User-Agent", t.id.UserAgent)
	}
	if r.Header.Get("Accept-Language") == "" {
		if al := t.id.AcceptLanguage(); al != "" {
			r.Header.Set("Accept-Language", al)
		}
	}
	return t.base.RoundTrip(r)
}

// cookieOrigins are the hosts identity cookies are seeded for.
var cookieOrigins = []string{
	"https://www.youtube.com/",
	"https://m.youtube.com/",
	"https://youtubei.googleapis.com/",
}

// NewHTTPClient builds a client that egresses through req.Proxy (or
// directly) and presents req.Identity.
func NewHTTPClient(req strategy.Request, tlsConfig *tls.Config, timeout time.Duration) (*http.Client, error) {
	var transport *http.Transport
	if req.Proxy != nil {
		t, err := proxy.NewTransport(*req.Proxy, tlsConfig, timeout)
		if err != nil {
			return nil, err
		}
		transport = t
	} else {
		transport = proxy.DirectTransport(tlsConfig, timeout)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if cookies := req.Identity.HTTPCookies(); len(cookies) > 0 {
		for _, origin := range cookieOrigins {
			u, _ := url.Parse(origin)
			jar.SetCookies(u, cookies)
		}
	}

	return &http.Client{
		Transport: &identityTransport{base: transport, id: req.Identity},
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}
