package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config configures the HTTP publisher.
type Config struct {
	Endpoint string        `toml:"endpoint" yaml:"endpoint" env:"HERALD_PUBLISHER_ENDPOINT" validate:"omitempty,url"`
	Token    string        `toml:"token" yaml:"token" env:"HERALD_PUBLISHER_TOKEN"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
}

// HTTPPublisher publishes by POSTing {"articleRef": ...} to an endpoint.
type HTTPPublisher struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTP creates an HTTP publisher.
func NewHTTP(cfg Config) *HTTPPublisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPublisher{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
	}
}

type publishRequest struct {
	ArticleRef string `json:"articleRef"`
}

// Publish returns nil on any 2xx response. Network errors and 408, 425,
// 429 and 5xx responses are transient; other statuses are permanent.
func (p *HTTPPublisher) Publish(ctx context.Context, articleRef string) error {
	body, err := json.Marshal(publishRequest{ArticleRef: articleRef})
	if err != nil {
		return NewPermanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return NewPermanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return NewTransient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &Error{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("publisher returned %s: %s", resp.Status, bytes.TrimSpace(msg)),
	}
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}
