// internal/strategy/strategy.go

// Package strategy defines extraction strategies, the executor contract
// they run against and the catalog of detection signatures used to
// classify failures.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/valpere/MediaHarvester/internal/identity"
	"github.com/valpere/MediaHarvester/internal/proxy"
)

// Method names an extraction technique an executor implements.
type Method string

const (
	MethodInnertubeWeb     Method = "innertube_web"
	MethodInnertubeAndroid Method = "innertube_android"
	MethodBrowserPage      Method = "browser_page"
)

// Request is everything an executor needs for one attempt. Proxy is nil
// for direct attempts.
type Request struct {
	Target   string
	Identity identity.Identity
	Proxy    *proxy.Endpoint
}

// Format is one downloadable stream.
type Format struct {
	ITag          int    `json:"itag"`
	MimeType      string `json:"mime_type"`
	Quality       string `json:"quality,omitempty"`
	Bitrate       int    `json:"bitrate,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	AudioChannels int    `json:"audio_channels,omitempty"`
	URL           string `json:"url,omitempty"`
}

// Result is extracted metadata plus available streams.
type Result struct {
	VideoID     string            `json:"video_id"`
	Title       string            `json:"title"`
	Author      string            `json:"author,omitempty"`
	Description string            `json:"description,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Thumbnail   string            `json:"thumbnail,omitempty"`
	Formats     []Format          `json:"formats,omitempty"`
	Method      Method            `json:"method"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Executor performs one extraction attempt.
type Executor interface {
	Execute(ctx context.Context, req Request, method Method) (*Result, error)
}

// Strategy is an immutable (identity class, proxy requirement, method)
// triple. Catalog order is attempt precedence.
type Strategy struct {
	Name          string         `yaml:"name" json:"name"`
	IdentityClass identity.Class `yaml:"identity_class" json:"identity_class"`
	RequiresProxy bool           `yaml:"requires_proxy" json:"requires_proxy"`
	Method        Method         `yaml:"method" json:"method"`
}

// Outcome is the result of one Attempt.
type Outcome struct {
	Strategy Strategy
	Result   *Result
	Err      error
	Latency  time.Duration
}

// Succeeded reports whether the attempt produced a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil
}

// Attempt runs the strategy once through exec.
func (s Strategy) Attempt(ctx context.Context, exec Executor, req Request) Outcome {
	start := time.Now()
	res, err := exec.Execute(ctx, req, s.Method)
	out := Outcome{Strategy: s, Result: res, Err: err, Latency: time.Since(start)}
	if err == nil && res == nil {
		out.Err = fmt.Errorf("executor returned no result for %s", s.Method)
	}
	if out.Result != nil && out.Result.Method == "" {
		out.Result.Method = s.Method
	}
	return out
}

func (s Strategy) String() string {
	proxyMode := "direct-or-proxy"
	if s.RequiresProxy {
		proxyMode = "proxy"
	}
	return fmt.Sprintf("%s(%s/%s/%s)", s.Name, s.IdentityClass, s.Method, proxyMode)
}

// Validate checks required fields.
func (s Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.Method == "" {
		return fmt.Errorf("strategy %s: method is required", s.Name)
	}
	if s.IdentityClass == "" {
		return fmt.Errorf("strategy %s: identity_class is required", s.Name)
	}
	return nil
}
