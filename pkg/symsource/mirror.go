package symsource

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"golang.org/x/sync/singleflight"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// MirrorConfig holds configuration for a public symbol server backend.
type MirrorConfig struct {
	// BaseURL is the root of the symbol server, e.g.
	// https://msdl.microsoft.com/download/symbols.
	BaseURL string `yaml:"base_url"`

	// UserAgent is sent with every request when non-empty.
	UserAgent string `yaml:"user_agent"`

	// Authoritative makes a 404 from this mirror final for the whole chain.
	Authoritative bool `yaml:"authoritative"`

	Backoff backoff.Config `yaml:"backoff"`

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client `yaml:"-"`
}

func (cfg *MirrorConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BaseURL, prefix+".base-url", "", "Base URL of the public symbol server.")
	f.StringVar(&cfg.UserAgent, prefix+".user-agent", "tecken-symbolicator/1.0", "User-Agent header sent to the symbol server.")
	f.BoolVar(&cfg.Authoritative, prefix+".authoritative", false, "Treat a 404 from the mirror as final, skipping the remaining backends.")
	cfg.Backoff.RegisterFlagsWithPrefix(prefix+".", f)
}

// MirrorSource fetches symbol files over HTTP from a public symbol server
// using the <debug filename>/<debug id>/<sym filename> URL layout. Concurrent
// fetches of the same URL are deduplicated.
type MirrorSource struct {
	cfg    MirrorConfig
	client *http.Client
	logger log.Logger

	group singleflight.Group
}

func NewMirrorSource(logger log.Logger, cfg MirrorConfig) (*MirrorSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mirror base URL is required")
	}
	if cfg.Backoff.MaxRetries == 0 {
		cfg.Backoff = backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			MaxRetries: 3,
		}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: 120 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		}
	}

	return &MirrorSource{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

func (s *MirrorSource) Name() string { return "public-mirror" }

func (s *MirrorSource) Authoritative() bool { return s.cfg.Authoritative }

func (s *MirrorSource) Fetch(ctx context.Context, key symfile.ModuleKey) ([]byte, error) {
	fetchURL := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + StorageKey(key)

	v, err, shared := s.group.Do(fetchURL, func() (interface{}, error) {
		return s.fetchWithRetries(ctx, key, fetchURL)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		level.Debug(s.logger).Log("msg", "mirror fetch shared between callers", "module", key)
	}
	return v.([]byte), nil
}

func (s *MirrorSource) fetchWithRetries(ctx context.Context, key symfile.ModuleKey, url string) ([]byte, error) {
	var lastErr error
	boff := backoff.New(ctx, s.cfg.Backoff)
	for boff.Ongoing() {
		data, err := s.doRequest(ctx, url)
		if err == nil {
			return data, nil
		}
		if statusCode, ok := isHTTPStatusError(err); ok && statusCode == http.StatusNotFound {
			return nil, NotFoundError{Key: key}
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, FetchError{Key: key, Err: fmt.Errorf("mirror fetch after %d attempts: %w", boff.NumRetries()+1, lastErr)}
}

func (s *MirrorSource) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := string(data)
		if len(body) > 1000 {
			body = body[:1000] + "... [truncated]"
		}
		return nil, httpStatusError{statusCode: resp.StatusCode, body: body}
	}
	return data, nil
}

// isRetryableError determines if an error should trigger a retry attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if statusCode, ok := isHTTPStatusError(err); ok {
		// Don't retry 4xx client errors except for 429 (too many requests).
		if statusCode == http.StatusTooManyRequests {
			return true
		}
		if statusCode >= 400 && statusCode < 500 {
			return false
		}
		return statusCode >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Temporary()
	}
	return false
}
