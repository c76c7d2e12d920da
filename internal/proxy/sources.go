// internal/proxy/sources.go
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// StaticSource returns a fixed endpoint list.
type StaticSource struct {
	name      string
	endpoints []EndpointConfig
}

// NewStaticSource wraps endpoints as a Source.
func NewStaticSource(name string, endpoints []EndpointConfig) *StaticSource {
	return &StaticSource{name: name, endpoints: endpoints}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(context.Context) ([]EndpointConfig, error) {
	out := make([]EndpointConfig, len(s.endpoints))
	copy(out, s.endpoints)
	return out, nil
}

// HTMLTableSource scrapes a proxy list page that renders endpoints as
// table rows, one cell each for host, port and optionally country.
// CountryColumn zero means the page has no country column.
type HTMLTableSource struct {
	config SourceConfig
	client *http.Client
}

// NewHTMLTableSource creates a source for cfg. A nil client gets a
// 30 second timeout.
func NewHTMLTableSource(cfg SourceConfig, client *http.Client) *HTMLTableSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RowSelector == "" {
		cfg.RowSelector = "table tbody tr"
	}
	return &HTMLTableSource{config: cfg, client: client}
}

func (s *HTMLTableSource) Name() string { return s.config.URL }

func (s *HTMLTableSource) Fetch(ctx context.Context) ([]EndpointConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch proxy list: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse proxy list: %w", err)
	}

	var out []EndpointConfig
	doc.Find(s.config.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		cell := func(i int) string {
			if i < 0 || i >= cells.Length() {
				return ""
			}
			return strings.TrimSpace(cells.Eq(i).Text())
		}

		host := cell(s.config.HostColumn)
		port, err := strconv.Atoi(cell(s.config.PortColumn))
		if host == "" || err != nil {
			return
		}
		ec := EndpointConfig{Host: host, Port: port, Protocol: s.config.Protocol}
		if s.config.CountryColumn > 0 {
			ec.Country = cell(s.config.CountryColumn)
		}
		if ec.Validate() == nil {
			out = append(out, ec)
		}
	})
	return out, nil
}
