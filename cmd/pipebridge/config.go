package main

import (
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/database64128/pipebridge-go"
	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	flagConfigFile         = "config"
	flagMaxTransferSize    = "max-transfer-size"
	flagAcceptTimeout      = "accept-timeout"
	flagMaxInstances       = "max-instances"
	flagSecurityDescriptor = "security-descriptor"
	flagAllowConcurrent    = "allow-concurrent"
	flagLogLevel           = "log-level"
	flagMetricsListen      = "metrics-listen"
)

// fileConfig is the layout of the configuration file. Every key matches its flag.
type fileConfig struct {
	MaxTransferSize    string `toml:"max-transfer-size"`
	AcceptTimeout      string `toml:"accept-timeout"`
	MaxInstances       int    `toml:"max-instances"`
	SecurityDescriptor string `toml:"security-descriptor"`
	AllowConcurrent    bool   `toml:"allow-concurrent"`
	LogLevel           string `toml:"log-level"`
	MetricsListen      string `toml:"metrics-listen"`
}

type serveOptions struct {
	configFile string
	fileConfig
}

func installServeFlags(o *serveOptions, flags *pflag.FlagSet) {
	flags.StringVar(&o.configFile, flagConfigFile, "", "Configuration file (TOML)")
	flags.StringVar(&o.MaxTransferSize, flagMaxTransferSize, units.BytesSize(pipebridge.DefaultMaxTransferSize), "Size of a single read and of the pipe buffers")
	flags.StringVar(&o.AcceptTimeout, flagAcceptTimeout, pipebridge.DefaultAcceptTimeout.String(), "Default client timeout of created pipes")
	flags.IntVar(&o.MaxInstances, flagMaxInstances, 0, "Maximum number of instances of a pipe name, 0 for unlimited")
	flags.StringVar(&o.SecurityDescriptor, flagSecurityDescriptor, "", "SDDL applied to created pipes")
	flags.BoolVar(&o.AllowConcurrent, flagAllowConcurrent, false, "Allow more than one outstanding read or write per pipe")
	flags.StringVar(&o.LogLevel, flagLogLevel, "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&o.MetricsListen, flagMetricsListen, "", "Address to serve Prometheus metrics on, disabled when empty")
}

type settings struct {
	engine        pipebridge.Config
	logLevel      string
	metricsListen string
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return &fc, nil
}

// resolve merges the configuration file, if any, with the flags. Flags set on the
// command line take precedence over the file.
func (o *serveOptions) resolve(flags *pflag.FlagSet) (*settings, error) {
	c := o.fileConfig
	if o.configFile != "" {
		fc, err := loadConfigFile(o.configFile)
		if err != nil {
			return nil, err
		}
		merge(&c, fc, flags)
	}

	s := settings{
		logLevel:      c.LogLevel,
		metricsListen: c.MetricsListen,
	}
	s.engine.MaxInstances = c.MaxInstances
	s.engine.SecurityDescriptor = c.SecurityDescriptor
	s.engine.AllowConcurrent = c.AllowConcurrent

	if c.MaxTransferSize != "" {
		n, err := units.RAMInBytes(c.MaxTransferSize)
		if err != nil {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "%s: %v", flagMaxTransferSize, err)
		}
		if n <= 0 || n > 1<<30 {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "%s: %d out of range", flagMaxTransferSize, n)
		}
		s.engine.MaxTransferSize = int(n)
	}
	if c.AcceptTimeout != "" {
		d, err := time.ParseDuration(c.AcceptTimeout)
		if err != nil {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "%s: %v", flagAcceptTimeout, err)
		}
		s.engine.AcceptTimeout = d
	}
	if c.MaxInstances < 0 {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "%s: must not be negative", flagMaxInstances)
	}
	return &s, nil
}

// merge copies the file values whose flag was not given on the command line.
func merge(dst, file *fileConfig, flags *pflag.FlagSet) {
	set := func(name string, apply func()) {
		if !flags.Changed(name) {
			apply()
		}
	}
	if file.MaxTransferSize != "" {
		set(flagMaxTransferSize, func() { dst.MaxTransferSize = file.MaxTransferSize })
	}
	if file.AcceptTimeout != "" {
		set(flagAcceptTimeout, func() { dst.AcceptTimeout = file.AcceptTimeout })
	}
	if file.MaxInstances != 0 {
		set(flagMaxInstances, func() { dst.MaxInstances = file.MaxInstances })
	}
	if file.SecurityDescriptor != "" {
		set(flagSecurityDescriptor, func() { dst.SecurityDescriptor = file.SecurityDescriptor })
	}
	if file.AllowConcurrent {
		set(flagAllowConcurrent, func() { dst.AllowConcurrent = true })
	}
	if file.LogLevel != "" {
		set(flagLogLevel, func() { dst.LogLevel = file.LogLevel })
	}
	if file.MetricsListen != "" {
		set(flagMetricsListen, func() { dst.MetricsListen = file.MetricsListen })
	}
}
