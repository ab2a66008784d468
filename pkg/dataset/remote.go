package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/synaptica-ai/ehrpipe/pkg/common/fsutil"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var errRemoteNotFound = errors.New("remote file not found")

// IsRemoteRoot reports whether root points at an HTTP(S) location.
func IsRemoteRoot(root string) bool {
	lower := strings.ToLower(root)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Fetcher mirrors table files from a remote root into a local directory.
// Every file is downloaded at most once and installed with temp + rename.
type Fetcher struct {
	base      *url.URL
	dir       string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithRetries retries transient download failures up to attempts times in
// total, doubling the delay between tries from baseDelay up to two seconds.
func WithRetries(attempts int, baseDelay time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.attempts = attempts
		f.baseDelay = baseDelay
	}
}

// WithClientCredentials authenticates downloads with an OAuth2 client
// credentials grant.
func WithClientCredentials(tokenURL, clientID, clientSecret string, scopes []string) FetcherOption {
	return func(f *Fetcher) {
		cc := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		base := f.client
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		f.client = cc.Client(ctx)
		f.client.Timeout = base.Timeout
	}
}

// NewHTTPClient creates a client tuned for bulk downloads.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

func NewFetcher(rawBase, dir string, opts ...FetcherOption) (*Fetcher, error) {
	base, err := url.Parse(rawBase)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, configErrorf("%w: remote root %q is not an http(s) URL", ErrInvalidConfig, rawBase)
	}
	if dir == "" {
		return nil, configErrorf("%w: remote root %s needs a local download directory", ErrInvalidConfig, rawBase)
	}
	f := &Fetcher{
		base:      base,
		dir:       dir,
		client:    NewHTTPClient(5 * time.Minute),
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Resolve downloads rel (or its compression alternative) into the local
// directory and returns the local path. Local copies are reused.
func (f *Fetcher) Resolve(ctx context.Context, rel string) (string, error) {
	local := LocalResolver{Root: f.dir}
	if p, err := local.Resolve(ctx, rel); err == nil {
		return p, nil
	}

	candidates := []string{rel}
	if alt, ok := AlternativePath(rel); ok {
		candidates = append(candidates, alt)
	}
	var tried []string
	for _, c := range candidates {
		target := f.urlFor(c)
		tried = append(tried, target)
		dest := filepath.Join(f.dir, filepath.FromSlash(c))
		var p string
		err := retry(ctx, f.attempts, f.baseDelay, func() (err error) {
			p, err = f.download(ctx, target, dest)
			return err
		})
		if errors.Is(err, errRemoteNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return p, nil
	}
	return "", fmt.Errorf("%w: tried %s", ErrFileNotFound, strings.Join(tried, " and "))
}

func (f *Fetcher) urlFor(rel string) string {
	u := *f.base
	u.Path = path.Join(u.Path, filepath.ToSlash(rel))
	return u.String()
}

func (f *Fetcher) download(ctx context.Context, target, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", target, err)
		if isRetriable(err) {
			return "", transientError{err}
		}
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", errRemoteNotFound
	case resp.StatusCode >= 500:
		return "", transientError{fmt.Errorf("fetch %s: unexpected status %s", target, resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("fetch %s: unexpected status %s", target, resp.Status)
	}

	var n int64
	err = fsutil.WriteAtomic(dest, 0o644, func(w io.Writer) error {
		var copyErr error
		n, copyErr = io.Copy(w, resp.Body)
		return copyErr
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", target, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"url":   target,
		"path":  dest,
		"bytes": n,
	}).Info("Downloaded remote table")
	return dest, nil
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func isRetriable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// retry runs fn until it succeeds, fails permanently or attempts run out.
// The last error is returned unwrapped from its transient marker.
func retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		var te transientError
		if !errors.As(err, &te) {
			return err
		}
		err = te.err
		if i == attempts-1 {
			break
		}
		logger.Log.WithError(err).WithField("attempt", i+1).Warn("Retrying remote download")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
	return err
}
