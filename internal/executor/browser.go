// internal/executor/browser.go
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

var browserLogger = utils.NewComponentLogger("browser-executor")

// BrowserConfig configures headless page extraction.
type BrowserConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Headless       bool          `yaml:"headless" json:"headless"`
	ExecPath       string        `yaml:"exec_path,omitempty" json:"exec_path,omitempty"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	WaitDelay      time.Duration `yaml:"wait_delay,omitempty" json:"wait_delay,omitempty"`
	DisableImages  bool          `yaml:"disable_images" json:"disable_images"`
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	WatchURL       string        `yaml:"watch_url" json:"watch_url"`
}

// DefaultBrowserConfig returns default browser configuration
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:       true,
		Timeout:        45 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		WaitDelay:      2 * time.Second,
		DisableImages:  true,
		MaxConcurrent:  2,
		WatchURL:       "https://www.youtube.com/watch?v=",
	}
}

func (c *BrowserConfig) applyDefaults() {
	d := DefaultBrowserConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.ViewportWidth == 0 || c.ViewportHeight == 0 {
		c.ViewportWidth, c.ViewportHeight = d.ViewportWidth, d.ViewportHeight
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.WatchURL == "" {
		c.WatchURL = d.WatchURL
	}
}

// BrowserExecutor loads the watch page in headless Chrome through the
// attempt's proxy and identity, and reads metadata from the rendered
// page. Each attempt gets its own browser process.
type BrowserExecutor struct {
	config BrowserConfig
	sem    *semaphore.Weighted
	log    utils.Logger
}

// NewBrowserExecutor creates the executor.
func NewBrowserExecutor(config BrowserConfig) *BrowserExecutor {
	config.applyDefaults()
	return &BrowserExecutor{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrent)),
		log:    browserLogger,
	}
}

// Methods lists the methods this executor serves.
func (e *BrowserExecutor) Methods() []strategy.Method {
	return []strategy.Method{strategy.MethodBrowserPage}
}

func (e *BrowserExecutor) allocatorOptions(req strategy.Request) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.WindowSize(e.config.ViewportWidth, e.config.ViewportHeight),
	}
	if e.config.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if e.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.config.ExecPath))
	}
	if e.config.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if req.Identity.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(req.Identity.UserAgent))
	}
	if len(req.Identity.LanguageTags) > 0 {
		opts = append(opts, chromedp.Flag("accept-lang", strings.Join(req.Identity.LanguageTags, ",")))
	}
	if req.Proxy != nil {
		// Chrome takes credentials only through an auth challenge, so
		// the server flag carries host and port alone.
		opts = append(opts, chromedp.ProxyServer(fmt.Sprintf("%s://%s", req.Proxy.Protocol, req.Proxy.Address())))
	}
	return opts
}

func (e *BrowserExecutor) Execute(ctx context.Context, req strategy.Request, method strategy.Method) (*strategy.Result, error) {
	if method != strategy.MethodBrowserPage {
		return nil, utils.NewError(utils.ErrCodeInvalidConfig, fmt.Sprintf("browser executor does not support %s", method)).Build()
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, e.allocatorOptions(req)...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancel := context.WithTimeout(browserCtx, e.config.Timeout)
	defer cancel()

	tasks := []chromedp.Action{
		chromedp.Navigate(e.config.WatchURL + req.Target),
		chromedp.WaitReady("body"),
	}
	if e.config.WaitDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(e.config.WaitDelay))
	}
	var html string
	tasks = append(tasks, chromedp.OuterHTML("html", &html))

	start := time.Now()
	if err := chromedp.Run(runCtx, tasks...); err != nil {
		if isBrowserMissing(err) {
			return nil, utils.NewError(utils.ErrCodeFatalExecutor, "headless browser is not available").
				WithCause(err).
				Build()
		}
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	e.log.WithFields(map[string]interface{}{
		"target":    req.Target,
		"load_time": time.Since(start).String(),
	}).Debug("watch page loaded")

	return ParseWatchPage(html, req.Target)
}

func isBrowserMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "executable file not found") || strings.Contains(msg, "no such file or directory")
}
