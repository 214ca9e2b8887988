// Package worker adapts OpenAI-compatible chat completion APIs (OpenAI,
// Perplexity and friends) to the research and verification worker
// interfaces.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"github.com/mohans/researchx/researchx"
)

const (
	DefaultQuickModel  = "sonar"
	DefaultDeepModel   = "sonar-deep-research"
	DefaultVerifyModel = "sonar"
	DefaultTimeout     = 60 * time.Second
	DefaultDeepTimeout = 10 * time.Minute
)

var ErrAPIKeyNotSet = errors.New("worker API key not set")

type Config struct {
	APIKey      string
	BaseURL     string
	QuickModel  string
	DeepModel   string
	VerifyModel string
	Timeout     time.Duration
	DeepTimeout time.Duration

	// RequestsPerSecond caps calls made by one client. Zero means no cap.
	RequestsPerSecond float64
}

func (c *Config) setDefaults() {
	if c.QuickModel == "" {
		c.QuickModel = DefaultQuickModel
	}
	if c.DeepModel == "" {
		c.DeepModel = DefaultDeepModel
	}
	if c.VerifyModel == "" {
		c.VerifyModel = DefaultVerifyModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DeepTimeout <= 0 {
		c.DeepTimeout = DefaultDeepTimeout
	}
}

// newClient builds an SDK client with its own retries disabled; retry
// policy belongs to the callers.
func newClient(cfg Config) (openai.Client, error) {
	if cfg.APIKey == "" {
		return openai.Client{}, ErrAPIKeyNotSet
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...), nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// wait blocks until lim allows another request. A nil limiter never blocks.
func wait(ctx context.Context, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: waiting for rate limiter: %v", researchx.ErrUpstream, err)
	}
	return nil
}

// classify maps SDK errors onto the upstream sentinels.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", researchx.ErrUpstreamRateLimited, err)
	}
	return fmt.Errorf("%w: %v", researchx.ErrUpstream, err)
}

// rawCompletion holds the provider extensions the SDK does not model.
type rawCompletion struct {
	Citations     []string `json:"citations"`
	SearchResults []struct {
		URL string `json:"url"`
	} `json:"search_results"`
	Choices []struct {
		Message struct {
			Annotations []struct {
				URLCitation struct {
					URL string `json:"url"`
				} `json:"url_citation"`
			} `json:"annotations"`
		} `json:"message"`
	} `json:"choices"`
}

// citationsFromRaw collects cited URLs from a raw completion body in the
// order they first appear. Unparseable bodies yield nothing.
func citationsFromRaw(raw string) []string {
	if raw == "" {
		return nil
	}
	var rc rawCompletion
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, u := range rc.Citations {
		add(u)
	}
	for _, r := range rc.SearchResults {
		add(r.URL)
	}
	for _, ch := range rc.Choices {
		for _, a := range ch.Message.Annotations {
			add(a.URLCitation.URL)
		}
	}
	return out
}
