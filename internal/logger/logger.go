package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "ws-gateway").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Bus creates a logger for the message bus client.
func Bus() *zerolog.Logger { return component("bus") }

// Upstream creates a logger for upstream WS consumers.
func Upstream() *zerolog.Logger { return component("upstream") }

// Session creates a logger for the session store.
func Session() *zerolog.Logger { return component("session") }

// Profile creates a logger for the user/profile store.
func Profile() *zerolog.Logger { return component("profile") }

// Connection creates a logger for the connection manager.
func Connection() *zerolog.Logger { return component("connection") }

// Auth creates a logger for the auth event processor.
func Auth() *zerolog.Logger { return component("auth") }

// Stats creates a logger for the donation-stats relay.
func Stats() *zerolog.Logger { return component("stats") }

// Support creates a logger for the support event relay.
func Support() *zerolog.Logger { return component("support") }

// Health creates a logger for the health aggregator.
func Health() *zerolog.Logger { return component("health") }

// Gateway creates a logger for the gateway HTTP/WS server.
func Gateway() *zerolog.Logger { return component("gateway") }

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger { return component("http") }
