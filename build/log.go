package build

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
)

// NewSubLogger constructs a new subsystem logger using the given generator
// function. If no generator is provided, logging for the subsystem is
// disabled until a caller installs a real logger.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggers is a set of subsystem loggers keyed by their subsystem name.
type SubLoggers map[string]btclog.Logger

// SupportedSubsystems returns a sorted slice of the registered subsystem
// names.
func (s SubLoggers) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(s))
	for subsystem := range s {
		subsystems = append(subsystems, subsystem)
	}

	sort.Strings(subsystems)
	return subsystems
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given set of subsystem loggers. An
// appropriate error is returned if anything is invalid.
//
// The debug level may either be a single level applied to all subsystems, or
// a comma separated list of subsystem=level pairs.
func ParseAndSetDebugLevels(level string, subLoggers SubLoggers) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(level, ",") && !strings.Contains(level, "=") {
		// Validate debug log level.
		if !validLogLevel(level) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", level)
		}

		// Change the logging level for all subsystems.
		setLogLevels(level, subLoggers)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(level, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsystem, logLevel := fields[0], fields[1]

		// Validate subsystem.
		logger, ok := subLoggers[subsystem]
		if !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsystem,
				subLoggers.SupportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		lvl, _ := btclog.LevelFromString(logLevel)
		logger.SetLevel(lvl)
	}

	return nil
}

// setLogLevels sets the log level for all of the passed subsystem loggers.
func setLogLevels(logLevel string, subLoggers SubLoggers) {
	lvl, _ := btclog.LevelFromString(logLevel)
	for _, logger := range subLoggers {
		logger.SetLevel(lvl)
	}
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		fallthrough
	case "off":
		return true
	}

	return false
}
