// internal/config/validation.go
package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// ValidationError represents a detailed validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []string          `json:"warnings"`
}

func (r *ValidationResult) add(field string, err error) {
	if err != nil {
		r.Errors = append(r.Errors, ValidationError{Field: field, Message: err.Error()})
	}
}

// Check validates every section and collects all problems instead of
// stopping at the first one.
func (c *Config) Check() *ValidationResult {
	result := &ValidationResult{
		Errors:   make([]ValidationError, 0),
		Warnings: make([]string, 0),
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		result.add("log.level", fmt.Errorf("unknown level %q", c.Log.Level))
	}
	if c.Server.Address == "" {
		result.add("server.address", fmt.Errorf("address is required"))
	}
	if c.Server.RequestsPerSecond < 0 {
		result.add("server.requests_per_second", fmt.Errorf("cannot be negative"))
	}
	if c.Tasks.MaxConcurrent < 1 {
		result.add("tasks.max_concurrent", fmt.Errorf("must be at least 1"))
	}

	result.add("store", c.Store.Validate())
	result.add("proxy", c.Proxy.Validate())
	result.add("identity", c.Identity.Validate())
	result.add("orchestrator", c.Orchestrator.Validate())
	result.add("rate_limit", c.RateLimit.Validate())

	if _, err := strategy.NewCatalog(c.Strategies); err != nil {
		result.add("strategies", err)
	}
	if _, err := strategy.NewSignatureCatalog(c.Signatures); err != nil {
		result.add("signatures", err)
	}
	c.checkStrategyWarnings(result)

	if c.Executor.Browser.Enabled && c.Executor.Browser.MaxConcurrent < 1 {
		result.add("executor.browser.max_concurrent", fmt.Errorf("must be at least 1"))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// checkStrategyWarnings flags setups that validate but cannot work well.
func (c *Config) checkStrategyWarnings(result *ValidationResult) {
	strategies := c.Strategies
	if len(strategies) == 0 {
		strategies = strategy.DefaultStrategies()
	}
	needsProxy := false
	for _, s := range strategies {
		if s.RequiresProxy {
			needsProxy = true
		}
		if s.Method == strategy.MethodBrowserPage && !c.Executor.Browser.Enabled {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("strategy %q uses the browser but executor.browser.enabled is false; it will be skipped", s.Name))
		}
	}
	if needsProxy && len(c.Proxy.Endpoints) == 0 && len(c.Proxy.Sources) == 0 {
		result.Warnings = append(result.Warnings, "strategies require proxies but none are configured; attempts will run direct")
	}
}

// Validate returns an INVALID_CONFIG error listing every problem.
func (c *Config) Validate() error {
	result := c.Check()
	if result.Valid {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, e.Error())
	}
	return utils.NewError(utils.ErrCodeInvalidConfig, "invalid configuration: "+strings.Join(msgs, "; ")).
		WithContext("errors", len(result.Errors)).
		Build()
}
