// internal/executor/youtube.go
package executor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kkdai/youtube/v2"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

var ytLogger = utils.NewComponentLogger("youtube-executor")

// youtube.Client reads the package-level DefaultClient when it first
// resolves its API client, so selecting the innertube client and the
// fetch that uses it must not interleave across goroutines.
var ytClientMu sync.Mutex

// YouTubeConfig configures the innertube executor.
type YouTubeConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Debug   bool          `yaml:"debug" json:"debug"`
}

// YouTubeExecutor extracts metadata and formats through the innertube
// API using the web or android client.
type YouTubeExecutor struct {
	config    YouTubeConfig
	tlsConfig *tls.Config
	log       utils.Logger
}

// NewYouTubeExecutor creates the executor.
func NewYouTubeExecutor(config YouTubeConfig, tlsConfig *tls.Config) *YouTubeExecutor {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &YouTubeExecutor{config: config, tlsConfig: tlsConfig, log: ytLogger}
}

// Methods lists the methods this executor serves.
func (e *YouTubeExecutor) Methods() []strategy.Method {
	return []strategy.Method{strategy.MethodInnertubeWeb, strategy.MethodInnertubeAndroid}
}

func (e *YouTubeExecutor) Execute(ctx context.Context, req strategy.Request, method strategy.Method) (*strategy.Result, error) {
	switch method {
	case strategy.MethodInnertubeWeb, strategy.MethodInnertubeAndroid:
	default:
		return nil, utils.NewError(utils.ErrCodeInvalidConfig, fmt.Sprintf("youtube executor does not support %s", method)).Build()
	}

	httpClient, err := NewHTTPClient(req, e.tlsConfig, e.config.Timeout)
	if err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "failed to build http client")
	}
	client := &youtube.Client{HTTPClient: httpClient, Debug: e.config.Debug}

	video, err := e.fetch(ctx, client, method, req.Target)
	if err != nil {
		return nil, mapYouTubeError(err)
	}
	if len(video.Formats) == 0 {
		return nil, errors.New("no formats found in player response")
	}
	return videoResult(video), nil
}

func (e *YouTubeExecutor) fetch(ctx context.Context, client *youtube.Client, method strategy.Method, target string) (*youtube.Video, error) {
	ytClientMu.Lock()
	defer ytClientMu.Unlock()

	saved := youtube.DefaultClient
	defer func() { youtube.DefaultClient = saved }()
	if method == strategy.MethodInnertubeWeb {
		youtube.DefaultClient = youtube.WebClient
	} else {
		youtube.DefaultClient = youtube.AndroidClient
	}

	return client.GetVideoContext(ctx, target)
}

// mapYouTubeError types errors the orchestrator must not retry and
// passes everything else through so its text reaches signature matching.
func mapYouTubeError(err error) error {
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate):
		return utils.NewError(utils.ErrCodeFatalExecutor, "video is private").
			WithCause(err).
			WithUserMessage("The video is private.").
			Build()
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return utils.WrapError(err, utils.ErrCodeInvalidTarget, "invalid video id")
	}

	var status *youtube.ErrPlayabiltyStatus
	if errors.As(err, &status) {
		reason := strings.ToLower(status.Reason)
		if strings.Contains(reason, "private") || strings.Contains(reason, "removed") || strings.EqualFold(status.Status, "ERROR") {
			return utils.NewError(utils.ErrCodeFatalExecutor, "video unavailable").
				WithCause(err).
				WithUserMessage("The video is unavailable.").
				Build()
		}
	}

	var code youtube.ErrUnexpectedStatusCode
	if errors.As(err, &code) && int(code) >= 500 {
		return utils.NewError(utils.ErrCodeTransientNetwork, err.Error()).WithCause(err).WithRetryable(true).Build()
	}
	return err
}

func videoResult(v *youtube.Video) *strategy.Result {
	res := &strategy.Result{
		VideoID:     v.ID,
		Title:       v.Title,
		Author:      v.Author,
		Description: v.Description,
		Duration:    v.Duration,
	}
	if n := len(v.Thumbnails); n > 0 {
		res.Thumbnail = v.Thumbnails[n-1].URL
	}
	for _, f := range v.Formats {
		bitrate := f.Bitrate
		if bitrate == 0 {
			bitrate = f.AverageBitrate
		}
		quality := f.QualityLabel
		if quality == "" {
			quality = f.Quality
		}
		res.Formats = append(res.Formats, strategy.Format{
			ITag:          f.ItagNo,
			MimeType:      f.MimeType,
			Quality:       quality,
			Bitrate:       bitrate,
			ContentLength: int64(f.ContentLength),
			Width:         f.Width,
			Height:        f.Height,
			AudioChannels: f.AudioChannels,
			URL:           f.URL,
		})
	}
	return res
}
