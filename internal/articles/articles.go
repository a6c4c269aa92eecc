// Package articles is the client side of Article Storage. The scheduler
// only needs to know whether a referenced article exists.
package articles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when Article Storage does not know a reference.
var ErrNotFound = errors.New("articles: not found")

// Article is the subset of an article the scheduler cares about.
type Article struct {
	Ref     string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Source looks articles up by reference.
type Source interface {
	GetArticle(ctx context.Context, ref string) (Article, error)
}

// Checker adapts a Source to the existence check used when schedules are
// created.
type Checker struct {
	Source Source
}

// Exists reports whether ref names a known article.
func (c Checker) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := c.Source.GetArticle(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string        `toml:"base_url" yaml:"base_url" env:"HERALD_ARTICLES_BASE_URL" validate:"omitempty,url"`
	Token   string        `toml:"token" yaml:"token" env:"HERALD_ARTICLES_TOKEN"`
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

// Client reads articles from GET {base}/articles/{ref}.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient creates an HTTP client for Article Storage.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetArticle(ctx context.Context, ref string) (Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/articles/"+url.PathEscape(ref), nil)
	if err != nil {
		return Article{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Article{}, fmt.Errorf("get article %s: %w", ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return Article{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return Article{}, fmt.Errorf("get article %s: status %d", ref, resp.StatusCode)
	}

	var a Article
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return Article{}, fmt.Errorf("decode article %s: %w", ref, err)
	}
	if a.Ref == "" {
		a.Ref = ref
	}
	return a, nil
}
