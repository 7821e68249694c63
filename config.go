package pipebridge

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxTransferSize is the default size of a single read and of the pipe buffers.
	DefaultMaxTransferSize = 4096

	// DefaultAcceptTimeout is the default per-client timeout of pipes created by Accept.
	DefaultAcceptTimeout = 5 * time.Second
)

// Config configures an [Engine].
type Config struct {
	// MaxTransferSize is the number of bytes a single Read asks for, and the size of
	// the input and output buffers of pipes created by Accept.
	// Defaults to [DefaultMaxTransferSize].
	MaxTransferSize int

	// AcceptTimeout is the per-client timeout of pipes created by Accept.
	// Defaults to [DefaultAcceptTimeout].
	AcceptTimeout time.Duration

	// MaxInstances limits the number of instances of a pipe name.
	// 0 means unlimited.
	MaxInstances int

	// SecurityDescriptor is an optional SDDL string applied to pipes created by Accept,
	// e.g. "D:P(A;;GA;;;AU)". The default DACL is used when empty.
	SecurityDescriptor string

	// AllowConcurrent disables the check that rejects a second Read (or Write) on a
	// handle while one is still outstanding. The result of overlapping operations
	// in the same direction is then up to the operating system.
	AllowConcurrent bool

	// System is the operating system layer. nil selects the platform implementation.
	System System

	// Logger receives diagnostics. nil selects the logrus standard logger.
	Logger logrus.FieldLogger

	// Metrics is optional.
	Metrics *Metrics
}

func (c *Config) maxTransferSize() int {
	if c.MaxTransferSize > 0 {
		return c.MaxTransferSize
	}
	return DefaultMaxTransferSize
}

func (c *Config) acceptTimeout() time.Duration {
	if c.AcceptTimeout > 0 {
		return c.AcceptTimeout
	}
	return DefaultAcceptTimeout
}

func (c *Config) pipeConfig() *PipeConfig {
	return &PipeConfig{
		BufferSize:         c.maxTransferSize(),
		DefaultTimeout:     c.acceptTimeout(),
		MaxInstances:       c.MaxInstances,
		SecurityDescriptor: c.SecurityDescriptor,
	}
}
