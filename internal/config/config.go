// Package config loads server configuration from environment variables and
// command-line flags. Flags take precedence over environment variables, which
// take precedence over defaults. Validation happens at load time so a
// misconfigured server refuses to start.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MESHCONF_LISTEN_ADDR"
	envVarStaticDir       = "MESHCONF_STATIC_DIR"
	envVarAllowedOrigins  = "MESHCONF_ALLOWED_ORIGINS"
	envVarLogFormat       = "MESHCONF_LOG_FORMAT"
	envVarLogLevel        = "MESHCONF_LOG_LEVEL"
	envVarShutdownTimeout = "MESHCONF_SHUTDOWN_TIMEOUT"

	// Room/signaling knobs.
	envVarMaxParticipantsPerRoom        = "MESHCONF_MAX_PARTICIPANTS_PER_ROOM"
	envVarMaxSignalingMessageBytes      = "MESHCONF_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MESHCONF_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// TURN REST ephemeral credentials for /webrtc/ice.
	envVarTURNRESTSharedSecret   = "MESHCONF_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "MESHCONF_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "MESHCONF_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultMaxParticipantsPerRoom        = 0 // unlimited
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     = int64(600)
	DefaultTURNRESTUsernamePrefix = "meshconf"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string

	// StaticDir, when non-empty, is served at "/" (the conference frontend).
	StaticDir string

	// AllowedOrigins is the browser Origin allowlist for the websocket upgrade
	// and the ICE route. Empty means same-host only. "*" allows any origin.
	AllowedOrigins []string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// MaxParticipantsPerRoom bounds room size; 0 means unlimited.
	MaxParticipantsPerRoom int

	// Inbound websocket hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICEServers are handed to clients via GET /webrtc/ice.
	ICEServers []webrtc.ICEServer

	// TURN REST credential minting; disabled when the secret is empty.
	TURNRESTSharedSecret   string
	TURNRESTTTLSeconds     int64
	TURNRESTUsernamePrefix string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxPerRoom, err := envIntOrDefault(lookup, envVarMaxParticipantsPerRoom, DefaultMaxParticipantsPerRoom)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTL := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTL = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	fs := flag.NewFlagSet("meshconf-server", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP address for the HTTP/websocket server")
	fs.StringVar(&staticDir, "static-dir", staticDir, "directory served at / (empty disables static serving)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "comma-separated browser Origin allowlist (empty = same host only)")
	fs.StringVar(&logFormat, "log-format", logFormat, "log output format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "graceful shutdown timeout")
	fs.IntVar(&maxPerRoom, "max-participants-per-room", maxPerRoom, "room capacity (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	format := LogFormat(strings.ToLower(strings.TrimSpace(logFormat)))
	switch format {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q (expected text or json)", logFormat)
	}

	if maxPerRoom < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarMaxParticipantsPerRoom)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if turnRESTSecret != "" && turnRESTTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 when TURN REST is enabled", envVarTURNRESTTTLSeconds)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:                    listenAddr,
		StaticDir:                     staticDir,
		AllowedOrigins:                splitCommaSeparated(allowedOriginsStr),
		LogFormat:                     format,
		LogLevel:                      level,
		ShutdownTimeout:               shutdownTimeout,
		MaxParticipantsPerRoom:        maxPerRoom,
		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		ICEServers:                    iceServers,
		TURNRESTSharedSecret:          turnRESTSecret,
		TURNRESTTTLSeconds:            turnRESTTTL,
		TURNRESTUsernamePrefix:        turnRESTUsernamePrefix,
	}, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
