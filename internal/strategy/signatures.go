// internal/strategy/signatures.go
package strategy

import (
	"fmt"
	"regexp"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// Severity ranks how strongly a signature indicates active blocking.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Adaptation is the orchestrator's response to a matched signature.
type Adaptation string

const (
	// AdaptSlowDown halves the identity's effective rate for the cooldown.
	AdaptSlowDown Adaptation = "slow_down"
	// AdaptChangeMethod skips the failed method for the cooldown.
	AdaptChangeMethod Adaptation = "change_method"
	// AdaptWait blocks the (identity, proxy) pair for the cooldown.
	AdaptWait Adaptation = "wait"
	// AdaptProxySwitch excludes the proxy for the rest of the task.
	AdaptProxySwitch Adaptation = "proxy_switch"
)

// SignatureSpec is the configuration form of a Signature.
type SignatureSpec struct {
	Name       string        `yaml:"name" json:"name"`
	Pattern    string        `yaml:"pattern" json:"pattern"`
	Severity   Severity      `yaml:"severity" json:"severity"`
	Adaptation Adaptation    `yaml:"adaptation" json:"adaptation"`
	Cooldown   time.Duration `yaml:"cooldown" json:"cooldown"`
}

// Signature matches executor failure text.
type Signature struct {
	Name       string
	Pattern    *regexp.Regexp
	Severity   Severity
	Adaptation Adaptation
	Cooldown   time.Duration
}

// DefaultSignatureSpecs is the built-in detection catalog.
func DefaultSignatureSpecs() []SignatureSpec {
	return []SignatureSpec{
		{
			Name:       "rate_limited",
			Pattern:    `(?i)(\b429\b|too many requests|rate[ -]?limit)`,
			Severity:   SeverityMedium,
			Adaptation: AdaptSlowDown,
			Cooldown:   5 * time.Minute,
		},
		{
			Name:       "bot_challenge",
			Pattern:    `(?i)(not a bot|captcha|unusual traffic|automated queries)`,
			Severity:   SeverityHigh,
			Adaptation: AdaptProxySwitch,
			Cooldown:   30 * time.Minute,
		},
		{
			Name:       "ip_blocked",
			Pattern:    `(?i)(\b403\b|forbidden|access denied|ip (address )?(is )?blocked)`,
			Severity:   SeverityHigh,
			Adaptation: AdaptProxySwitch,
			Cooldown:   15 * time.Minute,
		},
		{
			Name:       "extraction_failed",
			Pattern:    `(?i)(decipher|cipher|signature function|n-?param|no formats|unable to extract|player response)`,
			Severity:   SeverityLow,
			Adaptation: AdaptChangeMethod,
			Cooldown:   10 * time.Minute,
		},
		{
			Name:       "temporarily_unavailable",
			Pattern:    `(?i)(temporarily unavailable|try again later|\b503\b)`,
			Severity:   SeverityLow,
			Adaptation: AdaptWait,
			Cooldown:   1 * time.Minute,
		},
	}
}

// Compile validates and compiles a spec.
func (s SignatureSpec) Compile() (Signature, error) {
	if s.Name == "" {
		return Signature{}, fmt.Errorf("signature name is required")
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return Signature{}, fmt.Errorf("signature %s: invalid pattern: %w", s.Name, err)
	}
	switch s.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return Signature{}, fmt.Errorf("signature %s: unknown severity %q", s.Name, s.Severity)
	}
	switch s.Adaptation {
	case AdaptSlowDown, AdaptChangeMethod, AdaptWait, AdaptProxySwitch:
	default:
		return Signature{}, fmt.Errorf("signature %s: unknown adaptation %q", s.Name, s.Adaptation)
	}
	if s.Cooldown <= 0 {
		return Signature{}, fmt.Errorf("signature %s: cooldown must be positive", s.Name)
	}
	return Signature{
		Name:       s.Name,
		Pattern:    re,
		Severity:   s.Severity,
		Adaptation: s.Adaptation,
		Cooldown:   s.Cooldown,
	}, nil
}

// SignatureCatalog matches failure text against signatures in order.
type SignatureCatalog struct {
	signatures []Signature
}

// NewSignatureCatalog compiles specs. An empty list yields the defaults.
func NewSignatureCatalog(specs []SignatureSpec) (*SignatureCatalog, error) {
	if len(specs) == 0 {
		specs = DefaultSignatureSpecs()
	}
	c := &SignatureCatalog{}
	seen := map[string]bool{}
	for _, spec := range specs {
		sig, err := spec.Compile()
		if err != nil {
			return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid detection signature")
		}
		if seen[sig.Name] {
			return nil, utils.NewError(utils.ErrCodeInvalidConfig, fmt.Sprintf("duplicate signature %q", sig.Name)).Build()
		}
		seen[sig.Name] = true
		c.signatures = append(c.signatures, sig)
	}
	return c, nil
}

// Match returns the first signature whose pattern matches text.
func (c *SignatureCatalog) Match(text string) (Signature, bool) {
	for _, sig := range c.signatures {
		if sig.Pattern.MatchString(text) {
			return sig, true
		}
	}
	return Signature{}, false
}

// Signatures returns the compiled signatures in match order.
func (c *SignatureCatalog) Signatures() []Signature {
	return append([]Signature(nil), c.signatures...)
}
