// internal/strategy/catalog.go
package strategy

import (
	"fmt"

	"github.com/valpere/MediaHarvester/internal/identity"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Catalog is an ordered, validated strategy list.
type Catalog struct {
	strategies []Strategy
}

// DefaultStrategies tries cheap API clients before the headless browser
// and direct egress before proxied egress.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "web", IdentityClass: identity.ClassDesktop, Method: MethodInnertubeWeb},
		{Name: "android", IdentityClass: identity.ClassAndroid, Method: MethodInnertubeAndroid},
		{Name: "web_proxied", IdentityClass: identity.ClassDesktop, RequiresProxy: true, Method: MethodInnertubeWeb},
		{Name: "android_proxied", IdentityClass: identity.ClassAndroid, RequiresProxy: true, Method: MethodInnertubeAndroid},
		{Name: "browser_proxied", IdentityClass: identity.ClassDesktop, RequiresProxy: true, Method: MethodBrowserPage},
	}
}

// NewCatalog validates strategies and freezes their order. An empty list
// yields the default catalog.
func NewCatalog(strategies []Strategy) (*Catalog, error) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	seen := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		if err := s.Validate(); err != nil {
			return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid strategy")
		}
		if seen[s.Name] {
			return nil, utils.NewError(utils.ErrCodeInvalidConfig, fmt.Sprintf("duplicate strategy name %q", s.Name)).Build()
		}
		seen[s.Name] = true
	}
	return &Catalog{strategies: append([]Strategy(nil), strategies...)}, nil
}

// Strategies returns a copy of the ordered list.
func (c *Catalog) Strategies() []Strategy {
	return append([]Strategy(nil), c.strategies...)
}

// Len returns the number of strategies.
func (c *Catalog) Len() int {
	return len(c.strategies)
}

// Methods returns the distinct methods in catalog order.
func (c *Catalog) Methods() []Method {
	seen := map[Method]bool{}
	var out []Method
	for _, s := range c.strategies {
		if !seen[s.Method] {
			seen[s.Method] = true
			out = append(out, s.Method)
		}
	}
	return out
}

// RequireMethods fails if any strategy uses a method supported rejects.
func (c *Catalog) RequireMethods(supported func(Method) bool) error {
	for _, s := range c.strategies {
		if !supported(s.Method) {
			return utils.NewError(utils.ErrCodeInvalidConfig,
				fmt.Sprintf("strategy %s uses method %s which has no registered executor", s.Name, s.Method)).Build()
		}
	}
	return nil
}
