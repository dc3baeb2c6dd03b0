package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultHubEndpoint    = "https://huggingface.co"
	defaultHubConcurrency = 3
	defaultHubUserAgent   = "capserve/1.0"
	hubMaxRetries         = 3
)

var errNotFound = errors.New("file not found on hub")

// HubConfig controls where model files come from and where they are kept.
type HubConfig struct {
	Endpoint    string
	Token       string
	CacheDir    string
	UserAgent   string
	Concurrency int
	Offline     bool // only use files already in the cache
	Client      *http.Client
}

// HubFile names one file in a hub repository.
type HubFile struct {
	Repo     string
	Revision string
	Name     string
}

func (f HubFile) String() string {
	return f.Repo + "@" + cmp.Or(f.Revision, "main") + "/" + f.Name
}

// Hub downloads repository files into a local cache.
type Hub struct {
	cfg    HubConfig
	client *http.Client
}

func NewHub(cfg HubConfig) *Hub {
	cfg.Endpoint = strings.TrimRight(cmp.Or(cfg.Endpoint, DefaultHubEndpoint), "/")
	cfg.UserAgent = cmp.Or(cfg.UserAgent, defaultHubUserAgent)
	cfg.Concurrency = cmp.Or(cfg.Concurrency, defaultHubConcurrency)
	if cfg.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.CacheDir = filepath.Join(dir, "capserve")
		} else {
			cfg.CacheDir = filepath.Join(os.TempDir(), "capserve")
		}
	}
	return &Hub{
		cfg:    cfg,
		client: cmp.Or(cfg.Client, http.DefaultClient),
	}
}

// URL is the resolve address of f.
func (h *Hub) URL(f HubFile) string {
	rev := url.PathEscape(cmp.Or(f.Revision, "main"))
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.cfg.Endpoint, f.Repo, rev, f.Name)
}

// Path is where f lives in the cache.
func (h *Hub) Path(f HubFile) string {
	repo := "models--" + strings.ReplaceAll(f.Repo, "/", "--")
	rev := strings.ReplaceAll(cmp.Or(f.Revision, "main"), "/", "--")
	return filepath.Join(h.cfg.CacheDir, repo, rev, filepath.FromSlash(f.Name))
}

// Fetch returns the local path of f, downloading it on a cache miss.
func (h *Hub) Fetch(ctx context.Context, f HubFile) (string, error) {
	dest := h.Path(f)
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		slog.Debug("hub cache hit", slog.String("file", f.String()))
		return dest, nil
	}
	if h.cfg.Offline {
		return "", fmt.Errorf("%s: not cached and offline mode is on", f)
	}

	var lastErr error
	for attempt := 0; attempt < hubMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Second<<uint(attempt-1)); err != nil {
				return "", err
			}
		}
		start := time.Now()
		n, err := h.download(ctx, f, dest)
		if err == nil {
			slog.Info("downloaded model file",
				slog.String("file", f.String()),
				slog.Int64("bytes", n),
				slog.Duration("elapsed", time.Since(start)),
			)
			return dest, nil
		}
		if errors.Is(err, errNotFound) || ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", f, err)
		}
		slog.Warn("hub download failed, retrying",
			slog.String("file", f.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}
	return "", fmt.Errorf("%s: %w", f, lastErr)
}

// FetchAll downloads files concurrently and returns their paths in order.
func (h *Hub) FetchAll(ctx context.Context, files []HubFile) ([]string, error) {
	paths := make([]string, len(files))
	sem := semaphore.NewWeighted(int64(h.cfg.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			p, err := h.Fetch(ctx, f)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (h *Hub) download(ctx context.Context, f HubFile, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL(f), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, errNotFound
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("short download: %d of %d bytes", n, resp.ContentLength)
	}
	return n, os.Rename(tmp.Name(), dest)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
