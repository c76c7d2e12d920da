package executor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kkdai/youtube/v2"

	"github.com/valpere/MediaHarvester/internal/identity"
	"github.com/valpere/MediaHarvester/internal/proxy"
	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

type stubExecutor struct {
	got strategy.Method
}

func (s *stubExecutor) Execute(_ context.Context, req strategy.Request, m strategy.Method) (*strategy.Result, error) {
	s.got = m
	return &strategy.Result{VideoID: req.Target}, nil
}

func TestRouterDispatch(t *testing.T) {
	web := &stubExecutor{}
	router := NewRouter()
	router.Register(web, strategy.MethodInnertubeWeb, strategy.MethodInnertubeAndroid)

	if _, err := router.Execute(context.Background(), strategy.Request{Target: "x"}, strategy.MethodInnertubeAndroid); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if web.got != strategy.MethodInnertubeAndroid {
		t.Errorf("dispatched method = %s", web.got)
	}
	if router.Supports(strategy.MethodBrowserPage) {
		t.Error("Supports(browser_page) = true without registration")
	}
	_, err := router.Execute(context.Background(), strategy.Request{}, strategy.MethodBrowserPage)
	if !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("Execute(unregistered) error = %v, want invalid config", err)
	}

	catalog, _ := strategy.NewCatalog(nil)
	if err := catalog.RequireMethods(router.Supports); err == nil {
		t.Error("RequireMethods() should reject the browser strategy")
	}
}

func TestHTTPClientAppliesIdentityThroughProxy(t *testing.T) {
	var got http.Header
	var gotURL string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotURL = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	host, portStr, _ := net.SplitHostPort(proxySrv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ep := proxy.Endpoint{ID: proxy.EndpointID(host, port), Host: host, Port: port, Protocol: proxy.ProxyTypeHTTP}

	id := identity.New(identity.Profile{
		Class:     identity.ClassDesktop,
		Platform:  "Win32",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		Languages: []string{"de-DE", "de"},
		Cookies:   []identity.Cookie{{Name: "CONSENT", Value: "YES+1", Domain: ".youtube.com"}},
	})

	client, err := NewHTTPClient(strategy.Request{Identity: id, Proxy: &ep}, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	resp, err := client.Get("http://www.youtube.com/watch?v=dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if gotURL != "http://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("proxy saw %q, want absolute URL", gotURL)
	}
	if got.Get("User-Agent") != id.UserAgent {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	if got.Get("Accept-Language") != "de-DE,de;q=0.9" {
		t.Errorf("Accept-Language = %q", got.Get("Accept-Language"))
	}
	if !strings.Contains(got.Get("Cookie"), "CONSENT=YES+1") {
		t.Errorf("Cookie = %q", got.Get("Cookie"))
	}
}

func TestIdentityTransportKeepsExplicitUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client, _ := NewHTTPClient(strategy.Request{Identity: identity.DefaultIdentity(identity.ClassDesktop)}, nil, time.Second)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "com.google.android.youtube/19.09.37")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ua != "com.google.android.youtube/19.09.37" {
		t.Errorf("User-Agent = %q, want caller's value", ua)
	}
}

func TestMapYouTubeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want utils.ErrorCode
	}{
		{"private", youtube.ErrVideoPrivate, utils.ErrCodeFatalExecutor},
		{"bad id", youtube.ErrInvalidCharactersInVideoID, utils.ErrCodeInvalidTarget},
		{"unavailable", &youtube.ErrPlayabiltyStatus{Status: "ERROR", Reason: "Video unavailable"}, utils.ErrCodeFatalExecutor},
		{"bot check passes through", &youtube.ErrPlayabiltyStatus{Status: "LOGIN_REQUIRED", Reason: "Sign in to confirm you're not a bot"}, utils.ErrCodeInternal},
		{"server error", youtube.ErrUnexpectedStatusCode(503), utils.ErrCodeTransientNetwork},
		{"forbidden passes through", youtube.ErrUnexpectedStatusCode(403), utils.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := utils.CodeOf(mapYouTubeError(tt.err)); got != tt.want {
				t.Errorf("CodeOf(mapYouTubeError()) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVideoResult(t *testing.T) {
	v := &youtube.Video{
		ID:         "dQw4w9WgXcQ",
		Title:      "Never Gonna Give You Up",
		Author:     "Rick Astley",
		Duration:   213 * time.Second,
		Thumbnails: youtube.Thumbnails{{URL: "small.jpg"}, {URL: "large.jpg"}},
		Formats: youtube.FormatList{
			{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Quality: "medium", QualityLabel: "360p", Width: 640, Height: 360, AverageBitrate: 500000},
			{ItagNo: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 130000, AudioChannels: 2, ContentLength: 3433514},
		},
	}

	res := videoResult(v)
	if res.VideoID != v.ID || res.Thumbnail != "large.jpg" || len(res.Formats) != 2 {
		t.Fatalf("videoResult() = %+v", res)
	}
	if res.Formats[0].Quality != "360p" || res.Formats[0].Bitrate != 500000 {
		t.Errorf("video format = %+v", res.Formats[0])
	}
	if res.Formats[1].ContentLength != 3433514 || res.Formats[1].AudioChannels != 2 {
		t.Errorf("audio format = %+v", res.Formats[1])
	}
}

const watchPage = `<html><head>
<title>Never Gonna Give You Up - YouTube</title>
<meta property="og:title" content="Never Gonna Give You Up">
<meta property="og:description" content="The official video">
<meta property="og:image" content="https://i.ytimg.com/vi/dQw4w9WgXcQ/maxresdefault.jpg">
</head><body>
<div itemscope itemtype="http://schema.org/VideoObject">
<meta itemprop="videoId" content="dQw4w9WgXcQ">
<meta itemprop="duration" content="PT3M33S">
<span itemprop="author" itemscope><link itemprop="name" content="Rick Astley"></span>
</div></body></html>`

func TestParseWatchPage(t *testing.T) {
	res, err := ParseWatchPage(watchPage, "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("ParseWatchPage() error = %v", err)
	}
	if res.Title != "Never Gonna Give You Up" || res.Author != "Rick Astley" {
		t.Errorf("result = %+v", res)
	}
	if res.Duration != 213*time.Second {
		t.Errorf("duration = %v, want 3m33s", res.Duration)
	}
	if res.Method != strategy.MethodBrowserPage {
		t.Errorf("method = %s", res.Method)
	}
}

func TestParseWatchPageFailures(t *testing.T) {
	sigs, _ := strategy.NewSignatureCatalog(nil)

	blocked := `<html><body><p>Sign in to confirm you're not a bot</p></body></html>`
	_, err := ParseWatchPage(blocked, "dQw4w9WgXcQ")
	if err == nil {
		t.Fatal("ParseWatchPage(blocked) error = nil")
	}
	if sig, ok := sigs.Match(err.Error()); !ok || sig.Name != "bot_challenge" {
		t.Errorf("blocked page error %q did not match bot_challenge", err)
	}

	_, err = ParseWatchPage(`<html><body></body></html>`, "dQw4w9WgXcQ")
	if err == nil {
		t.Fatal("ParseWatchPage(empty) error = nil")
	}
	if sig, ok := sigs.Match(err.Error()); !ok || sig.Name != "extraction_failed" {
		t.Errorf("empty page error %q did not match extraction_failed", err)
	}
}

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"PT3M33S", 213 * time.Second, false},
		{"PT1H2M", time.Hour + 2*time.Minute, false},
		{"P1DT1S", 24*time.Hour + time.Second, false},
		{"", 0, true},
		{"PT", 0, true},
		{"3:33", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseISODuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseISODuration() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseISODuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBrowserAllocatorOptions(t *testing.T) {
	e := NewBrowserExecutor(BrowserConfig{Headless: true})
	ep := proxy.Endpoint{Host: "10.0.0.1", Port: 1080, Protocol: proxy.ProxyTypeSOCKS5}
	direct := len(e.allocatorOptions(strategy.Request{Identity: identity.DefaultIdentity(identity.ClassDesktop)}))
	proxied := len(e.allocatorOptions(strategy.Request{Identity: identity.DefaultIdentity(identity.ClassDesktop), Proxy: &ep}))
	if proxied != direct+1 {
		t.Errorf("proxied options = %d, want %d", proxied, direct+1)
	}

	_, err := e.Execute(context.Background(), strategy.Request{}, strategy.MethodInnertubeWeb)
	if !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("Execute(wrong method) error = %v", err)
	}
}
