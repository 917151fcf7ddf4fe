package subscriber

import (
	"time"

	"github.com/c360/tsstream/wire"
)

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithPollTimeout sets how long the background loops wait on their queues
// before re-checking for shutdown.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithDialTimeout bounds the TCP connect in Connect.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithQueueCapacity sets the command and callback queue capacities.
func WithQueueCapacity(commands, callbacks int) Option {
	return func(s *Subscriber) {
		if commands > 0 {
			s.commandCapacity = commands
		}
		if callbacks > 0 {
			s.callbackCapacity = callbacks
		}
	}
}

// WithOperationalModes sets the initial operational modes. Invalid modes are
// ignored and logged.
func WithOperationalModes(modes wire.OperationalModes) Option {
	return func(s *Subscriber) {
		if err := s.SetOperationalModes(modes); err != nil {
			s.logger.Warn("Ignoring invalid operational modes", "modes", uint32(modes), "error", err)
		}
	}
}

// WithAssemblyInfo overrides the client identity sent in the connection string.
func WithAssemblyInfo(info AssemblyInfo) Option {
	return func(s *Subscriber) {
		s.assembly = info
	}
}

// WithName sets the name used for log attributes and metric labels.
func WithName(name string) Option {
	return func(s *Subscriber) {
		if name != "" {
			s.name = name
		}
	}
}
