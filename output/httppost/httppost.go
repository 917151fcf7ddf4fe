// Package httppost posts measurement batches to an HTTP endpoint as a JSON
// array of records.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/output"
	"github.com/c360/tsstream/pkg/retry"
	"github.com/c360/tsstream/pkg/tlsutil"
)

// Config holds configuration for the HTTP POST sink
type Config struct {
	URL         string            `json:"url"          yaml:"url"`
	Headers     map[string]string `json:"headers"      yaml:"headers"`
	Timeout     time.Duration     `json:"timeout"      yaml:"timeout"`
	RetryCount  int               `json:"retry_count"  yaml:"retry_count"`
	RetryDelay  time.Duration     `json:"retry_delay"  yaml:"retry_delay"`
	ContentType string            `json:"content_type" yaml:"content_type"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns default configuration for the HTTP POST sink
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8080/webhook",
		Headers:     make(map[string]string),
		Timeout:     30 * time.Second,
		RetryCount:  3,
		RetryDelay:  100 * time.Millisecond,
		ContentType: "application/json",
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost.Config", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "httppost.Config", "Validate", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(fmt.Errorf("%w: scheme %q", errors.ErrInvalidConfig, u.Scheme),
			"httppost.Config", "Validate", "url must be http or https")
	}
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost.Config", "Validate",
			"timeout must be between 0 and 5m")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost.Config", "Validate",
			"retry_count must be between 0 and 10")
	}
	return c.TLS.Validate()
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Sink is an output.Sink that POSTs each batch to a webhook.
type Sink struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	batchesSent atomic.Int64
	retries     atomic.Int64
	failures    atomic.Int64
	closed      atomic.Bool
}

var _ output.Sink = (*Sink)(nil)

// New creates the sink. A nil client gets one with cfg.Timeout and cfg.TLS.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if client == nil {
		tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		client = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:        cfg,
		logger:     logger.With("component", "httppost-sink", "url", cfg.URL),
		httpClient: client,
	}, nil
}

// Name returns "httppost".
func (s *Sink) Name() string { return "httppost" }

// Write posts batch, retrying transport errors and 5xx responses.
func (s *Sink) Write(ctx context.Context, batch []measurement.Measurement) error {
	if s.closed.Load() {
		return errors.WrapInvalid(errors.ErrSinkUnavailable, "httppost.Sink", "Write", "sink closed")
	}
	if len(batch) == 0 {
		return nil
	}

	records := make([]output.Record, len(batch))
	for i, m := range batch {
		records[i] = output.NewRecord(m)
	}
	body, err := json.Marshal(records)
	if err != nil {
		return errors.WrapInvalid(err, "httppost.Sink", "Write", "marshal records")
	}

	rc := retry.Fixed(s.cfg.RetryCount+1, s.cfg.RetryDelay)
	rc.Multiplier = 2.0
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = 100 * time.Millisecond
	}
	rc.MaxDelay = max(5*time.Second, rc.InitialDelay)
	rc.OnFailure = func(attempt int, err error) {
		if attempt <= s.cfg.RetryCount {
			s.retries.Add(1)
		}
		s.logger.Debug("Webhook POST failed", "attempt", attempt, "error", err)
	}

	if err := retry.Do(ctx, rc, func() error { return s.post(ctx, body) }); err != nil {
		s.failures.Add(1)
		return errors.WrapTransient(err, "httppost.Sink", "Write", "post batch")
	}
	s.batchesSent.Add(1)
	return nil
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", s.cfg.ContentType)
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.NonRetryable(statusErr)
	}
	return statusErr
}

// Stats returns batches sent, retried attempts and failed batches.
func (s *Sink) Stats() (sent, retried, failed int64) {
	return s.batchesSent.Load(), s.retries.Load(), s.failures.Load()
}

// Close stops accepting batches and releases idle connections.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.httpClient.CloseIdleConnections()
	sent, retried, failed := s.Stats()
	s.logger.Info("Webhook sink closed", "sent", sent, "retried", retried, "failed", failed)
	return nil
}
