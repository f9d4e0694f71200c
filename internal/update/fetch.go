package update

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxChecksumBody bounds how much of a checksum manifest is read.
const maxChecksumBody = 4096

// Fetcher downloads bundles and checksum manifests with retries.
type Fetcher struct {
	client     *http.Client
	maxRetries uint64
	retryWait  time.Duration
	userAgent  string
}

// NewFetcher creates a fetcher. Transient failures are retried up to
// maxRetries times with exponential backoff starting at retryWait.
func NewFetcher(timeout time.Duration, maxRetries int, retryWait time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryWait <= 0 {
		retryWait = time.Second
	}
	return &Fetcher{
		client:     &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
		retryWait:  retryWait,
		userAgent:  "rulesync",
	}
}

func (f *Fetcher) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryWait
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx)
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) retry(ctx context.Context, what string, op func() error) error {
	return backoff.RetryNotify(op, f.policy(ctx), func(err error, d time.Duration) {
		slog.Warn("fetch failed, retrying", "what", what, "error", err, "wait", d)
	})
}

// Checksum returns the first field of the manifest at url, lowercased.
func (f *Fetcher) Checksum(ctx context.Context, url string) (string, error) {
	var sum string
	err := f.retry(ctx, url, func() error {
		resp, err := f.get(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumBody))
		if err != nil {
			return err
		}
		fields := strings.Fields(string(body))
		if len(fields) == 0 {
			return backoff.Permanent(fmt.Errorf("empty checksum manifest at %s", url))
		}
		sum = strings.ToLower(fields[0])
		return nil
	})
	return sum, err
}

// Download writes the content at url to dest and returns its MD5, computed
// while streaming.
func (f *Fetcher) Download(ctx context.Context, url, dest string) (string, error) {
	var sum string
	err := f.retry(ctx, url, func() error {
		resp, err := f.get(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out, err := os.Create(dest)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create %s: %w", dest, err))
		}
		h := md5.New()
		_, copyErr := io.Copy(io.MultiWriter(out, h), resp.Body)
		closeErr := out.Close()
		if err := errors.Join(copyErr, closeErr); err != nil {
			return fmt.Errorf("download %s: %w", url, err)
		}
		sum = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	return sum, err
}

// FileChecksum returns the MD5 of a local file.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
