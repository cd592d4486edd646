package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide logger. Configure replaces it; packages that
// need per-component context should use Component instead of logging through
// it directly.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Configure sets the global level and output format. Dev mode switches to a
// human-readable console writer.
func Configure(level string, isDev bool) {
	zeroLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || zeroLevel == zerolog.NoLevel {
		zeroLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zeroLevel)

	var writer io.Writer = os.Stderr
	if isDev {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = Logger
}

// LevelFromEnv picks the log level from the DEBUG environment variable. Dev
// mode defaults to debug unless DEBUG is explicitly disabled.
func LevelFromEnv(isDev bool) string {
	debug := strings.ToLower(os.Getenv("DEBUG"))
	if isDev {
		if debug == "false" || debug == "0" {
			return "info"
		}
		return "debug"
	}
	if debug == "true" || debug == "1" {
		return "debug"
	}
	return "info"
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) {
	Logger.Debug().Msgf(format, args...)
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) {
	Logger.Info().Msgf(format, args...)
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msgf(format, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) {
	Logger.Error().Msgf(format, args...)
}
