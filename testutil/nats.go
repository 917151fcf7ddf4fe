package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PublishedMessage is one message captured by MockNATSClient.
type PublishedMessage struct {
	Subject string
	Data    []byte
	Stream  bool
}

// MockNATSClient records publishes in memory. It matches the publishing half
// of natsclient.Client and is safe for concurrent use.
type MockNATSClient struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failWith error
	closed   bool
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{}
}

// Publish records a core NATS publish.
func (c *MockNATSClient) Publish(_ context.Context, subject string, data []byte) error {
	return c.record(subject, data, false)
}

// PublishToStream records a JetStream publish.
func (c *MockNATSClient) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.record(subject, data, true)
}

func (c *MockNATSClient) record(subject string, data []byte, stream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.failWith != nil {
		return c.failWith
	}
	c.messages = append(c.messages, PublishedMessage{
		Subject: subject,
		Data:    append([]byte(nil), data...),
		Stream:  stream,
	})
	return nil
}

// FailWith makes every later publish return err; nil restores success.
func (c *MockNATSClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// Messages returns a copy of every captured message in publish order.
func (c *MockNATSClient) Messages() []PublishedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]PublishedMessage(nil), c.messages...)
}

// MessagesOn returns the payloads published on subject.
func (c *MockNATSClient) MessagesOn(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out [][]byte
	for _, m := range c.messages {
		if m.Subject == subject {
			out = append(out, m.Data)
		}
	}
	return out
}

// Close closes the mock client.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// NATSContainerOption configures StartNATSContainer.
type NATSContainerOption func(*natsContainerConfig)

type natsContainerConfig struct {
	jetstream    bool
	version      string
	startTimeout time.Duration
}

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() NATSContainerOption {
	return func(cfg *natsContainerConfig) { cfg.jetstream = true }
}

// WithNATSVersion selects the nats image tag.
func WithNATSVersion(version string) NATSContainerOption {
	return func(cfg *natsContainerConfig) { cfg.version = version }
}

// StartNATSContainer runs a NATS server in a container and returns its client
// URL. The container is terminated when the test ends. Tests calling it are
// skipped under -short.
func StartNATSContainer(t testing.TB, opts ...NATSContainerOption) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS container test in short mode")
	}

	cfg := &natsContainerConfig{
		version:      "2.11.7-alpine",
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.version,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate NATS container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("NATS container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("NATS container port: %v", err)
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}
