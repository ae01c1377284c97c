package input

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/tracing"
	"github.com/zachfi/zkit/pkg/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/audiostream/pkg/shoutcast"
)

var errStalled = errors.New("no data received before the stall timeout")

// HTTPConfig configures HTTP streams.
type HTTPConfig struct {
	UserAgent    string            `yaml:"user_agent,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	BufferSize   int               `yaml:"-"`
	StallTimeout time.Duration     `yaml:"stall_timeout,omitempty"`
	RetryDelay   time.Duration     `yaml:"retry_delay,omitempty"`
	MaxRetries   int               `yaml:"max_retries,omitempty"`

	Username string         `yaml:"username,omitempty"`
	Password flagext.Secret `yaml:"password,omitempty"`

	ProxyURL      string         `yaml:"proxy_url,omitempty"`
	ProxyUsername string         `yaml:"proxy_username,omitempty"`
	ProxyPassword flagext.Secret `yaml:"proxy_password,omitempty"`
}

func (c *HTTPConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.UserAgent, util.PrefixConfig(prefix, "user-agent"), "audiostream/1.0", "User-Agent sent with every request.")
	f.DurationVar(&c.StallTimeout, util.PrefixConfig(prefix, "stall-timeout"), 3*time.Second, "Reconnect when no bytes arrive for this long.")
	f.DurationVar(&c.RetryDelay, util.PrefixConfig(prefix, "retry-delay"), 500*time.Millisecond, "Initial delay before reconnecting.")
	f.IntVar(&c.MaxRetries, util.PrefixConfig(prefix, "max-retries"), 10, "Reconnect attempts before the stream fails.")
	f.StringVar(&c.Username, util.PrefixConfig(prefix, "username"), "", "Username for servers that require authentication.")
	f.Var(&c.Password, util.PrefixConfig(prefix, "password"), "Password for servers that require authentication.")
	f.StringVar(&c.ProxyURL, util.PrefixConfig(prefix, "proxy-url"), "", "HTTP proxy. Empty uses the environment.")
	f.StringVar(&c.ProxyUsername, util.PrefixConfig(prefix, "proxy-username"), "", "Proxy username.")
	f.Var(&c.ProxyPassword, util.PrefixConfig(prefix, "proxy-password"), "Proxy password.")
}

func (c *HTTPConfig) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "audiostream/1.0"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 8192
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 3 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// HTTPStream reads a resource over HTTP(S), resuming interrupted transfers
// with range requests. Shoutcast/Icecast servers are supported, including
// ICY status lines and interleaved metadata.
type HTTPStream struct {
	cfg     HTTPConfig
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	client  *http.Client

	mu            sync.Mutex
	url           string
	handler       Handler
	sess          *httpSession
	scheduled     bool
	contentType   string
	contentLength int64
	pos           Position
}

type httpSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	gate   *gate
}

func NewHTTPStream(rawURL string, cfg HTTPConfig, logger *slog.Logger, metrics *Metrics) *HTTPStream {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	proxy := http.ProxyFromEnvironment
	if cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			if cfg.ProxyUsername != "" {
				u.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword.String())
			}
			proxy = http.ProxyURL(u)
		} else {
			logger.Warn("ignoring invalid proxy url", "proxy", cfg.ProxyURL, "err", err)
		}
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               proxy,
		DialContext:         shoutcast.DialContext(dialer.DialContext),
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
		DisableCompression:  true,
	}

	return &HTTPStream{
		cfg:       cfg,
		logger:    logger.With("component", "http_stream"),
		metrics:   metrics,
		tracer:    otel.Tracer("input"),
		client:    &http.Client{Transport: transport},
		url:       rawURL,
		scheduled: true,
	}
}

func (s *HTTPStream) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *HTTPStream) getHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *HTTPStream) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *HTTPStream) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

func (s *HTTPStream) ContentLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength
}

func (s *HTTPStream) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *HTTPStream) Open(pos Position) error {
	if _, err := url.Parse(s.URL()); err != nil {
		return errors.Wrap(err, "invalid stream url")
	}

	s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	sess := &httpSession{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		gate:   newGate(s.scheduled),
	}
	s.sess = sess
	s.pos = pos
	s.mu.Unlock()

	go s.run(sess, pos)

	return nil
}

func (s *HTTPStream) Close() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.gate.close()
	}
}

func (s *HTTPStream) SetScheduled(active bool) {
	s.mu.Lock()
	s.scheduled = active
	sess := s.sess
	s.mu.Unlock()

	if sess != nil {
		sess.gate.set(active)
	}
}

// retryable marks a failure worth reconnecting for.
type retryable struct{ error }

func (r retryable) Unwrap() error { return r.error }

func (s *HTTPStream) run(sess *httpSession, pos Position) {
	logger := s.logger.With("session", sess.id)
	b := backoff.New(sess.ctx, backoff.Config{
		MinBackoff: s.cfg.RetryDelay,
		MaxBackoff: 8 * s.cfg.RetryDelay,
		MaxRetries: s.cfg.MaxRetries,
	})

	var (
		read      int64
		ready     bool
		auth      *challenge
		authTried bool
		playlists int
	)
	tap := newTagTap(pos, s.getHandler)

	for {
		start := pos.Start + read
		if read > 0 && s.ContentLength() == 0 {
			// Unbounded streams cannot be resumed; take the live edge.
			start = 0
		}

		before := read
		err := s.attempt(sess, logger, pos, start, auth, &read, &ready, tap)
		if sess.ctx.Err() != nil {
			return
		}
		if err == nil {
			tap.end()
			if h := s.getHandler(); h != nil {
				h.EndReached()
			}
			return
		}

		var (
			pl   *playlistRedirect
			need *authRequired
		)
		switch {
		case errors.As(err, &pl):
			playlists++
			if playlists > 5 {
				s.fail(sess, errors.New("too many playlist redirects"))
				return
			}
			logger.Info("resolved playlist", "url", pl.url)
			s.mu.Lock()
			s.url = pl.url
			s.mu.Unlock()
			continue
		case errors.As(err, &need):
			if authTried || !s.hasCredentials(need.proxy) {
				s.fail(sess, &StatusError{Code: need.code, Status: http.StatusText(need.code)})
				return
			}
			authTried = true
			auth = need.challenge
			continue
		}

		var r retryable
		if !errors.As(err, &r) {
			s.fail(sess, err)
			return
		}

		// The budget covers consecutive reconnects that deliver nothing.
		if read > before {
			b.Reset()
		}
		if !b.Ongoing() {
			s.fail(sess, errors.Wrapf(err, "giving up after %d reconnects", b.NumRetries()))
			return
		}

		logger.Warn("reconnecting", "err", err, "offset", pos.Start+read)
		s.metrics.reopens.Inc()
		b.Wait()
		if sess.ctx.Err() != nil {
			return
		}
	}
}

func (s *HTTPStream) fail(sess *httpSession, err error) {
	if sess.ctx.Err() != nil {
		return
	}
	s.metrics.failures.WithLabelValues("http").Inc()
	if h := s.getHandler(); h != nil {
		h.Error(err)
	}
}

func (s *HTTPStream) hasCredentials(proxy bool) bool {
	if proxy {
		return s.cfg.ProxyUsername != ""
	}
	return s.cfg.Username != ""
}

type playlistRedirect struct{ url string }

func (p *playlistRedirect) Error() string { return "playlist redirect to " + p.url }

type authRequired struct {
	code      int
	proxy     bool
	challenge *challenge
}

func (a *authRequired) Error() string { return fmt.Sprintf("authentication required (%d)", a.code) }

// attempt performs one request and streams its body until EOF, error, or
// session close. It returns nil only when the resource was fully delivered.
func (s *HTTPStream) attempt(sess *httpSession, logger *slog.Logger, pos Position, start int64, auth *challenge, read *int64, ready *bool, tap *tagTap) error {
	connCtx, connCancel := context.WithCancel(sess.ctx)
	defer connCancel()

	var stalled atomic.Bool
	stall := time.AfterFunc(s.cfg.StallTimeout, func() {
		stalled.Store(true)
		connCancel()
	})
	defer stall.Stop()

	var icy atomic.Bool
	rawURL := s.URL()
	req, err := http.NewRequestWithContext(shoutcast.WithICYFlag(connCtx, &icy), http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	s.decorate(req, pos, start, auth)

	ctx, span := s.tracer.Start(connCtx, "HTTPStream.connect", trace.WithAttributes(
		attribute.String("url", rawURL),
		attribute.Int64("range_start", start),
	))
	resp, err := s.client.Do(req.WithContext(ctx))
	if err = tracing.ErrHandler(span, err, "http connect failed", logger); err != nil {
		if stalled.Load() {
			return retryable{errStalled}
		}
		return retryable{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired:
		proxy := resp.StatusCode == http.StatusProxyAuthRequired
		header := "Www-Authenticate"
		if proxy {
			header = "Proxy-Authenticate"
		}
		c, ok := parseChallenge(resp.Header.Get(header))
		if !ok {
			return &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
		c.proxy = proxy
		return &authRequired{code: resp.StatusCode, proxy: proxy, challenge: &c}
	case resp.StatusCode >= 500:
		return retryable{&StatusError{Code: resp.StatusCode, Status: resp.Status}}
	default:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	contentType := resp.Header.Get("Content-Type")
	if shoutcast.IsPlaylist(contentType, rawURL) {
		target, err := shoutcast.ResolvePlaylist(resp.Body)
		if err != nil {
			return errors.Wrap(err, "failed to resolve playlist")
		}
		return &playlistRedirect{url: target}
	}

	if start > 0 && resp.StatusCode == http.StatusOK {
		// The server ignored the range; skip to where we are.
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			return retryable{errors.Wrap(err, "failed to skip to range start")}
		}
	}

	metaint, _ := strconv.Atoi(resp.Header.Get("Icy-Metaint"))

	s.mu.Lock()
	if !*ready {
		s.contentType = contentType
	}
	if n := contentLength(resp); n > 0 && metaint <= 0 {
		s.contentLength = n
	}
	s.mu.Unlock()

	var body io.Reader = resp.Body
	if metaint > 0 {
		body = shoutcast.NewReader(resp.Body, metaint, func(m *shoutcast.Metadata) {
			if h := s.getHandler(); h != nil && sess.ctx.Err() == nil {
				h.MetadataAvailable(Metadata{Fields: m.Fields})
			}
		})
	}

	if !*ready {
		*ready = true
		logger.Debug("connected",
			"status", resp.StatusCode,
			"content_type", contentType,
			"content_length", s.ContentLength(),
			"icy", icy.Load(),
		)
		h := s.getHandler()
		if h != nil {
			h.ReadyToRead()
			if name := resp.Header.Get("Icy-Name"); name != "" {
				h.MetadataAvailable(Metadata{Fields: map[string]string{StationNameKey: name}})
			}
		}
	}

	buf := make([]byte, s.cfg.BufferSize)
	for {
		if !sess.gate.isOpen() {
			stall.Stop()
			if !sess.gate.wait() {
				return nil
			}
			stall.Reset(s.cfg.StallTimeout)
		}

		n, err := body.Read(buf)
		if n > 0 {
			stall.Reset(s.cfg.StallTimeout)
			chunk := append([]byte(nil), buf[:n]...)
			*read += int64(n)
			tap.feed(chunk)
			s.metrics.bytes.WithLabelValues("http").Add(float64(n))
			if h := s.getHandler(); h != nil && sess.ctx.Err() == nil {
				h.BytesAvailable(chunk)
			}
		}

		if err == io.EOF {
			if total := s.ContentLength(); total > 0 && pos.Start+*read < total {
				return retryable{io.ErrUnexpectedEOF}
			}
			return nil
		}
		if err != nil {
			if stalled.Load() {
				return retryable{errStalled}
			}
			return retryable{err}
		}
	}
}

func (s *HTTPStream) decorate(req *http.Request, pos Position, start int64, auth *challenge) {
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("Accept", "*/*")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	if start > 0 {
		if pos.End > start {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, pos.End-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	if auth != nil {
		user, pass, header := s.cfg.Username, s.cfg.Password.String(), "Authorization"
		if auth.proxy {
			user, pass, header = s.cfg.ProxyUsername, s.cfg.ProxyPassword.String(), "Proxy-Authorization"
		}
		req.Header.Set(header, auth.authorize(req.Method, req.URL.RequestURI(), user, pass))
	}
}

// contentLength returns the total resource size from a 200 Content-Length
// or a 206 Content-Range.
func contentLength(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusOK {
		if resp.ContentLength > 0 {
			return resp.ContentLength
		}
		return 0
	}

	cr := resp.Header.Get("Content-Range")
	_, total, ok := strings.Cut(cr, "/")
	if !ok || total == "*" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
