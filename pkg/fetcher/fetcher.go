// Package fetcher downloads recordings from remote URLs. A URL may point at
// an audio file directly or at an HTML page embedding one or more.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/xhad/hark/internal/models"
)

// ErrTooLarge is returned when a download exceeds MaxBytes.
var ErrTooLarge = errors.New("response exceeds size limit")

// ErrNotAudio is returned when a URL serves neither audio nor HTML.
var ErrNotAudio = errors.New("not an audio resource")

type FetcherConfig struct {
	MaxBytes       int64
	RateLimit      float64 // requests per second
	Timeout        time.Duration
	IgnorePatterns []string
	OnProgress     func(url string)
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type Fetcher struct {
	config  FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewWithConfig(config FetcherConfig) (*Fetcher, error) {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 200 << 20
	}
	if config.MaxBytes < 0 {
		return nil, fmt.Errorf("max bytes cannot be negative")
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Fetcher{
		config:  config,
		client:  config.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  config.Logger.With(slog.String("component", "fetcher")),
	}, nil
}

// Collect returns the recordings found at rawURL: the file itself when it is
// audio, or every recording linked from it when it is an HTML page.
func (f *Fetcher) Collect(ctx context.Context, rawURL string) ([]models.AudioAsset, error) {
	body, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if !isHTML(contentType) {
		asset, err := toAsset(rawURL, contentType, body)
		if err != nil {
			return nil, err
		}
		return []models.AudioAsset{asset}, nil
	}

	links, err := f.extractAudioLinks(rawURL, body)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: no audio found on %s", ErrNotAudio, rawURL)
	}

	assets := make([]models.AudioAsset, 0, len(links))
	for _, link := range links {
		asset, err := f.Fetch(ctx, link)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", link, err)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// Fetch downloads a single recording.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (models.AudioAsset, error) {
	body, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		return models.AudioAsset{}, err
	}
	return toAsset(rawURL, contentType, body)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("invalid URL %q", rawURL)
	}

	if f.config.OnProgress != nil {
		f.config.OnProgress(rawURL)
	}

	// Apply rate limiting
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, rawURL)
	}
	if resp.ContentLength > f.config.MaxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes at %s", ErrTooLarge, resp.ContentLength, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.config.MaxBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrTooLarge, rawURL)
	}

	f.logger.Debug("fetched", slog.String("url", rawURL), slog.Int("bytes", len(body)))
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) extractAudioLinks(pageURL string, body []byte) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var links []string
	seen := make(map[string]bool)
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			f.logger.Warn("skipping malformed audio link", slog.String("href", ref), slog.String("error", err.Error()))
			return
		}

		// Make sure the URL is absolute
		abs := base.ResolveReference(u).String()
		if seen[abs] || f.ignored(abs) {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	}

	doc.Find("audio[src], video[src], audio source[src], video source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	doc.Find(`meta[property="og:audio"], meta[property="og:audio:url"], meta[property="og:audio:secure_url"]`).Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		add(content)
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if u, err := url.Parse(href); err == nil {
			if _, ok := models.FormatFromExt(path.Ext(u.Path)); ok {
				add(href)
			}
		}
	})

	return links, nil
}

func (f *Fetcher) ignored(u string) bool {
	for _, pattern := range f.config.IgnorePatterns {
		if strings.Contains(u, pattern) {
			return true
		}
	}
	return false
}

func toAsset(rawURL, contentType string, body []byte) (models.AudioAsset, error) {
	format, ok := models.FormatFromMIME(contentType)
	if !ok {
		u, _ := url.Parse(rawURL)
		if u != nil {
			format, ok = models.FormatFromExt(path.Ext(u.Path))
		}
	}
	if !ok {
		return models.AudioAsset{}, fmt.Errorf("%w: %s (%s)", ErrNotAudio, rawURL, contentType)
	}
	if len(body) == 0 {
		return models.AudioAsset{}, fmt.Errorf("empty response from %s", rawURL)
	}
	asset := models.NewAudioAsset(body, format)
	asset.Source = rawURL
	return asset, nil
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}
