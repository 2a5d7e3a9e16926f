// Package source lists and downloads USCRN hourly files from the NCEI archive.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// FetchErrorKind classifies a failed download.
type FetchErrorKind int

const (
	// UntrustedOrigin: the URL failed the scheme/host policy. No request was made.
	UntrustedOrigin FetchErrorKind = iota
	// Timeout: connect or transfer timeout.
	Timeout
	// Status: the origin answered with a non-success status.
	Status
	// Transport: any other network or protocol failure, including an open breaker.
	Transport
)

func (k FetchErrorKind) String() string {
	switch k {
	case UntrustedOrigin:
		return "untrusted_origin"
	case Timeout:
		return "timeout"
	case Status:
		return "status"
	default:
		return "transport"
	}
}

// FetchError is the typed failure returned by Fetcher.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case Status:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	default:
		if e.Err == nil {
			return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
		}
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case Timeout:
		return true
	case Transport:
		return !errors.Is(e.Err, gobreaker.ErrOpenState) && !errors.Is(e.Err, gobreaker.ErrTooManyRequests) &&
			!errors.Is(e.Err, errBodyTooLarge) && !errors.Is(e.Err, context.Canceled)
	case Status:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

var errBodyTooLarge = errors.New("response body exceeds size limit")

// FetcherConfig bounds how the origin is contacted.
type FetcherConfig struct {
	AllowedHosts    []string
	UserAgent       string
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	// RetryMaxDelay caps the backoff; zero means defaultRetryMaxDelay.
	RetryMaxDelay time.Duration
	// RequestsPerSecond <= 0 disables spacing.
	RequestsPerSecond float64
	MaxBodyBytes      int64
	// BreakerFailures consecutive failed requests open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Content is a downloaded file.
type Content struct {
	Body         []byte
	LastModified time.Time
	// NotModified is set when a conditional request returned 304.
	NotModified bool
}

// Fetcher downloads from an allow-listed HTTPS origin.
type Fetcher struct {
	client  *http.Client
	cfg     FetcherConfig
	allowed map[string]struct{}
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[Content]
	logger  *slog.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client. The transfer timeout is applied
// when the client has none.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

const defaultRetryMaxDelay = 5 * time.Second

// NewFetcher builds a Fetcher whose transport enforces cfg's timeouts.
func NewFetcher(cfg FetcherConfig, logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:     cfg,
		allowed: make(map[string]struct{}, len(cfg.AllowedHosts)),
		logger:  logger,
	}
	if f.cfg.RetryMaxDelay <= 0 {
		f.cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	for _, h := range cfg.AllowedHosts {
		f.allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	f.limiter = rate.NewLimiter(limit, 1)

	f.client = &http.Client{
		Timeout: cfg.TransferTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.TransferTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client.Timeout == 0 {
		f.client.Timeout = cfg.TransferTimeout
	}
	if f.client.CheckRedirect == nil {
		f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			_, err := f.CheckURL(req.URL.String())
			return err
		}
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = time.Minute
	}
	f.breaker = gobreaker.NewCircuitBreaker[Content](gobreaker.Settings{
		Name:        "uscrn-origin",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A 4xx means the origin is up; only origin-side trouble counts.
		IsSuccessful: func(err error) bool {
			var fe *FetchError
			if err == nil || !errors.As(err, &fe) {
				return err == nil
			}
			return fe.Kind == Status && fe.StatusCode < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return f
}

// CheckURL enforces the origin policy: https and an allow-listed host.
// Host comparison is case-insensitive and ignores the port.
func (f *Fetcher) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &FetchError{Kind: UntrustedOrigin, URL: raw, Err: err}
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, &FetchError{Kind: UntrustedOrigin, URL: raw, Err: fmt.Errorf("scheme %q is not https", u.Scheme)}
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := f.allowed[host]; !ok || host == "" {
		return nil, &FetchError{Kind: UntrustedOrigin, URL: raw, Err: fmt.Errorf("host %q is not allowed", host)}
	}
	return u, nil
}

// Get downloads a URL unconditionally.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	c, err := f.Download(ctx, rawURL, time.Time{})
	if err != nil {
		return nil, err
	}
	return c.Body, nil
}

// Download fetches rawURL. When ifModifiedSince is set the request is
// conditional and a 304 yields Content.NotModified. Transient failures are
// retried with exponential backoff.
func (f *Fetcher) Download(ctx context.Context, rawURL string, ifModifiedSince time.Time) (Content, error) {
	u, err := f.CheckURL(rawURL)
	if err != nil {
		return Content{}, err
	}

	delay := f.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		c, err := f.attempt(ctx, u, ifModifiedSince)
		if err == nil {
			return c, nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{Kind: Transport, URL: rawURL, Err: err}
		}
		if attempt >= f.cfg.MaxRetries || !fe.Retryable() || ctx.Err() != nil {
			return Content{}, fe
		}
		f.logger.Debug("retrying download", "url", rawURL, "attempt", attempt+1, "delay", delay, "error", fe)
		if !sleepWithContext(ctx, delay) {
			return Content{}, &FetchError{Kind: Transport, URL: rawURL, Err: ctx.Err()}
		}
		delay = nextDelay(delay, f.cfg.RetryMaxDelay)
	}
}

// nextDelay doubles d, capped at maxDelay.
func nextDelay(d, maxDelay time.Duration) time.Duration {
	return min(2*d, maxDelay)
}

func (f *Fetcher) attempt(ctx context.Context, u *url.URL, ifModifiedSince time.Time) (Content, error) {
	raw := u.String()
	if err := f.limiter.Wait(ctx); err != nil {
		return Content{}, &FetchError{Kind: Transport, URL: raw, Err: err}
	}

	c, err := f.breaker.Execute(func() (Content, error) {
		return f.do(ctx, u, ifModifiedSince)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Content{}, &FetchError{Kind: Transport, URL: raw, Err: err}
	}
	return c, err
}

func (f *Fetcher) do(ctx context.Context, u *url.URL, ifModifiedSince time.Time) (Content, error) {
	raw := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, http.NoBody)
	if err != nil {
		return Content{}, &FetchError{Kind: Transport, URL: raw, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Content{}, classify(raw, err)
	}
	defer resp.Body.Close()

	lastModified, _ := http.ParseTime(resp.Header.Get("Last-Modified"))

	if resp.StatusCode == http.StatusNotModified {
		if lastModified.IsZero() {
			lastModified = ifModifiedSince
		}
		return Content{NotModified: true, LastModified: lastModified}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Content{}, &FetchError{Kind: Status, URL: raw, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if f.cfg.MaxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Content{}, classify(raw, err)
	}
	if f.cfg.MaxBodyBytes > 0 && int64(len(data)) > f.cfg.MaxBodyBytes {
		return Content{}, &FetchError{Kind: Transport, URL: raw, Err: errBodyTooLarge}
	}
	return Content{Body: data, LastModified: lastModified}, nil
}

func classify(raw string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		// Raised by CheckRedirect for an off-origin redirect.
		return fe
	}
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: Timeout, URL: raw, Err: err}
	}
	return &FetchError{Kind: Transport, URL: raw, Err: err}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
