package build

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithms available for rolled log files.
const (
	Gzip = "gzip"
	Zstd = "zstd"
)

// compressorSuffixes maps each algorithm to the suffix the rotator appends
// to compressed roll files.
var compressorSuffixes = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// RotatorConfig holds the tunables of on-disk log rotation.
type RotatorConfig struct {
	// Compressor names the algorithm applied to rolled files.
	Compressor string

	// MaxFiles is how many rolled files are kept before the oldest is
	// pruned.
	MaxFiles int

	// MaxFileSizeMB is the size a log file may grow to before it rolls.
	MaxFileSizeMB int
}

// DefaultRotatorConfig returns the rotation settings the daemon uses unless
// told otherwise.
func DefaultRotatorConfig() *RotatorConfig {
	return &RotatorConfig{
		Compressor:    Gzip,
		MaxFiles:      3,
		MaxFileSizeMB: 10,
	}
}

// LogRotator is an io.WriteCloser feeding a log file that rolls and
// compresses itself as it grows. The daemon's log writer mirrors its output
// here once the rotator has been opened.
type LogRotator struct {
	rotator *rotator.Rotator
}

// OpenLogRotator creates the directory for logFile and starts rotating it
// under the given settings. The caller owns the rotator and must Close it
// on shutdown so the final file is flushed.
func OpenLogRotator(cfg *RotatorConfig, logFile string) (*LogRotator, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %w",
			err)
	}

	suffix, ok := compressorSuffixes[cfg.Compressor]
	if !ok {
		return nil, fmt.Errorf("unknown log compressor: %v",
			cfg.Compressor)
	}

	r, err := rotator.New(
		logFile, int64(cfg.MaxFileSizeMB)*1024, false, cfg.MaxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create log rotator: %w", err)
	}

	switch cfg.Compressor {
	case Gzip:
		r.SetCompressor(gzip.NewWriter(nil), suffix)

	case Zstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("unable to create zstd "+
				"compressor: %w", err)
		}
		r.SetCompressor(zw, suffix)
	}

	return &LogRotator{rotator: r}, nil
}

// Write hands a log line to the rotator, rolling the file when it crosses
// the size threshold.
func (l *LogRotator) Write(b []byte) (int, error) {
	return l.rotator.Write(b)
}

// Close flushes and stops the rotator.
func (l *LogRotator) Close() error {
	return l.rotator.Close()
}
