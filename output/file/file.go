// Package file writes measurement batches to a JSON Lines file.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/c360/tsstream/errors"
	"github.com/c360/tsstream/measurement"
	"github.com/c360/tsstream/output"
)

// Config holds configuration for the file sink
type Config struct {
	Path string `json:"path" yaml:"path"`
	// Format is "jsonl" (one record per line) or "json" (one indented array
	// per batch).
	Format     string `json:"format" yaml:"format"`
	Append     bool   `json:"append" yaml:"append"`
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns default configuration for the file sink
func DefaultConfig() Config {
	return Config{
		Path:       "measurements.jsonl",
		Format:     "jsonl",
		Append:     true,
		BufferSize: 64 * 1024,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "file.Config", "Validate", "path is required")
	}
	if c.Format != "jsonl" && c.Format != "json" {
		return errors.WrapInvalid(fmt.Errorf("%w: format %q", errors.ErrInvalidConfig, c.Format),
			"file.Config", "Validate", "format must be one of: json, jsonl")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: buffer_size %d", errors.ErrInvalidConfig, c.BufferSize),
			"file.Config", "Validate", "buffer_size cannot be negative")
	}
	return nil
}

// Sink appends measurement records to a file.
type Sink struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer

	recordsWritten atomic.Int64
	bytesWritten   atomic.Int64
}

var _ output.Sink = (*Sink)(nil)

// New opens (or creates) the file, creating parent directories as needed.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapFatal(err, "file.Sink", "New", "create output directory")
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "file.Sink", "New", "open output file")
	}

	size := cfg.BufferSize
	if size == 0 {
		size = 4096
	}

	s := &Sink{
		cfg:    cfg,
		logger: logger.With("component", "file-sink", "path", cfg.Path),
		file:   f,
		writer: bufio.NewWriterSize(f, size),
	}
	s.logger.Info("File sink opened", "format", cfg.Format, "append", cfg.Append)
	return s, nil
}

// Name returns "file".
func (s *Sink) Name() string { return "file" }

// Write encodes batch and flushes it to the file.
func (s *Sink) Write(_ context.Context, batch []measurement.Measurement) error {
	records := make([]output.Record, len(batch))
	for i, m := range batch {
		records[i] = output.NewRecord(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.WrapInvalid(errors.ErrSinkUnavailable, "file.Sink", "Write", "file closed")
	}

	counter := &countingWriter{w: s.writer}
	switch s.cfg.Format {
	case "json":
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return errors.WrapInvalid(err, "file.Sink", "Write", "marshal batch")
		}
		if _, err := counter.Write(append(data, '\n')); err != nil {
			return errors.WrapTransient(err, "file.Sink", "Write", "write batch")
		}
	default:
		enc := json.NewEncoder(counter)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return errors.WrapTransient(err, "file.Sink", "Write", "write record")
			}
		}
	}

	if err := s.writer.Flush(); err != nil {
		return errors.WrapTransient(err, "file.Sink", "Write", "flush")
	}
	s.recordsWritten.Add(int64(len(records)))
	s.bytesWritten.Add(counter.n)
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file = nil

	s.logger.Info("File sink closed", "records", s.recordsWritten.Load(), "bytes", s.bytesWritten.Load())
	if flushErr != nil {
		return errors.Wrap(flushErr, "file.Sink", "Close", "flush")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "file.Sink", "Close", "close file")
	}
	return nil
}

// RecordsWritten returns the number of records written so far.
func (s *Sink) RecordsWritten() int64 { return s.recordsWritten.Load() }

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
