package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spamshield/platform/internal/domain"
)

const defaultTimeout = 10 * time.Second

// HTTPClassifier calls a remote prediction endpoint. Every call is bounded by
// the client timeout so a hung model server cannot freeze a scan cycle.
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
}

// Option customises classifier instantiation.
type Option func(*HTTPClassifier)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClassifier) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-call timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClassifier) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewHTTP constructs a classifier client for the given prediction endpoint.
func NewHTTP(endpoint string, opts ...Option) (*HTTPClassifier, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("empty classifier endpoint")
	}
	c := &HTTPClassifier{
		endpoint:   trimmed,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Classifier = (*HTTPClassifier)(nil)

type predictRequest struct {
	Text string `json:"text"`
}

type predictResponse struct {
	IsSpam     bool    `json:"is_spam"`
	Confidence float64 `json:"confidence"`
}

// Classify posts the text to the prediction endpoint and returns its verdict.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (domain.Verdict, error) {
	payload, err := json.Marshal(predictRequest{Text: text})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Verdict{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.Verdict{}, fmt.Errorf("decode predict response: %w", err)
	}
	return domain.Verdict{Flagged: decoded.IsSpam, Confidence: decoded.Confidence}, nil
}
