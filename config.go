// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (C) 2015-2022 The btcpeerd developers

package btcpeerd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/btcpeer/btcpeerd/protocol"
)

const (
	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogFilename = "btcpeerd.log"
	defaultDebugLevel  = "info"
)

// Config defines the configuration options for btcpeerd.
//
// See LoadConfig for further details regarding the configuration loading
// process.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	DataDir string `short:"b" long:"datadir" description:"The directory to store btcpeerd's data within"`
	LogDir  string `long:"logdir" description:"Directory to log output"`

	HostsFile string `long:"hostsfile" description:"File the host catalog is persisted to, relative to datadir unless absolute"`

	Port        uint16 `short:"p" long:"port" description:"The port used for both outbound and inbound peer connections"`
	MaxOutbound int    `long:"maxoutbound" description:"Target number of outbound peer connections"`

	DisableListen bool `long:"nolisten" description:"Disable listening for inbound connections"`

	DNSSeeds []string `long:"seed" description:"DNS seed to bootstrap from when the host catalog is empty (may be specified multiple times)"`

	ConnectRetry time.Duration `long:"connectretry" description:"Interval between outbound refill sweeps"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Prometheus string `long:"prometheus.listen" description:"Address to export Prometheus metrics on (empty disables the exporter)"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		DataDir:      defaultDataDirname,
		LogDir:       defaultLogDirname,
		HostsFile:    protocol.DefaultHostsFile,
		Port:         protocol.DefaultPort,
		MaxOutbound:  protocol.DefaultMaxOutbound,
		ConnectRetry: protocol.DefaultRetryInterval,
		DebugLevel:   defaultDebugLevel,
	}
}

// LoadConfig initializes and parses the config using command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings.
//  2. Parse CLI options and overwrite/add any specified options.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Version takes precedence over everything else; no further
	// validation is needed to print it.
	if cfg.ShowVersion {
		return &cfg, nil
	}

	if cfg.MaxOutbound < 0 {
		return nil, fmt.Errorf("maxoutbound must not be negative, "+
			"got %d", cfg.MaxOutbound)
	}
	if cfg.ConnectRetry <= 0 {
		return nil, fmt.Errorf("connectretry must be positive, got %v",
			cfg.ConnectRetry)
	}

	// All paths below the data directory unless given absolute.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %w", err)
	}

	if !filepath.IsAbs(cfg.HostsFile) {
		cfg.HostsFile = filepath.Join(cfg.DataDir, cfg.HostsFile)
	}
	if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.DataDir, cfg.LogDir)
	}

	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
