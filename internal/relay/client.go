package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentarena/broker/internal/logging"
)

// ErrRejected is returned when the agent endpoint answered with a non-retryable
// client error.
var ErrRejected = errors.New("agent endpoint rejected delivery")

// Policy bounds how transient delivery failures are retried.
type Policy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (p Policy) normalised() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 50 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// Client pushes countersigned envelopes to registered agent endpoints over
// HTTP. Server errors and transport failures are retried with bounded
// exponential backoff; 4xx responses abort immediately.
type Client struct {
	http   *http.Client
	policy Policy
	log    *logging.Logger
	sleep  func(context.Context, time.Duration) error
}

// Option configures optional Client behaviour at construction time.
type Option func(*Client)

// WithHTTPClient substitutes the underlying transport; primarily used in tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithSleep overrides the backoff sleeper; primarily used in tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient constructs a relay client with the given request timeout.
func NewClient(timeout time.Duration, policy Policy, logger *logging.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	client := &Client{
		http:   &http.Client{Timeout: timeout},
		policy: policy.normalised(),
		log:    logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// MessageURL normalises an agent endpoint into its message intake URL.
func MessageURL(endpoint string) string {
	trimmed := strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(trimmed, "/message") {
		return trimmed
	}
	return trimmed + "/message"
}

// Deliver posts the payload to the agent endpoint, retrying transient
// failures up to the policy's attempt limit.
func (c *Client) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	if c == nil {
		return errors.New("relay client not initialised")
	}
	url := MessageURL(endpoint)
	backoff := c.policy.MinBackoff

	var lastErr error
	for attempt := 1; attempt <= c.policy.Attempts; attempt++ {
		err := c.post(ctx, url, payload)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == c.policy.Attempts {
			break
		}
		c.log.Warn("agent delivery failed, retrying",
			logging.String("endpoint", url),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", backoff),
			logging.Error(err),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}
	c.log.Error("agent delivery failed permanently", logging.String("endpoint", url), logging.Error(lastErr))
	return lastErr
}

func (c *Client) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
