package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaults(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.StaticDir != "" {
		t.Fatalf("StaticDir=%q, want empty", cfg.StaticDir)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.MaxParticipantsPerRoom != DefaultMaxParticipantsPerRoom {
		t.Fatalf("MaxParticipantsPerRoom=%d, want %d", cfg.MaxParticipantsPerRoom, DefaultMaxParticipantsPerRoom)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if cfg.TURNRESTSharedSecret != "" {
		t.Fatalf("TURNRESTSharedSecret=%q, want empty", cfg.TURNRESTSharedSecret)
	}
	// With nothing configured the default STUN server keeps clients usable.
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != defaultSTUNURL {
		t.Fatalf("ICEServers=%v, want default STUN", cfg.ICEServers)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:                    "0.0.0.0:9000",
		envVarAllowedOrigins:                "https://a.example, https://b.example",
		envVarShutdownTimeout:               "30s",
		envVarMaxParticipantsPerRoom:        "8",
		envVarMaxSignalingMessageBytes:      "4096",
		envVarMaxSignalingMessagesPerSecond: "10",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr=%q, want 0.0.0.0:9000", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins=%v, want two entries", cfg.AllowedOrigins)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("ShutdownTimeout=%v, want 30s", cfg.ShutdownTimeout)
	}
	if cfg.MaxParticipantsPerRoom != 8 {
		t.Fatalf("MaxParticipantsPerRoom=%d, want 8", cfg.MaxParticipantsPerRoom)
	}
	if cfg.MaxSignalingMessageBytes != 4096 {
		t.Fatalf("MaxSignalingMessageBytes=%d, want 4096", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != 10 {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want 10", cfg.MaxSignalingMessagesPerSecond)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:             "0.0.0.0:9000",
		envVarMaxParticipantsPerRoom: "8",
	}), []string{"--listen-addr", "127.0.0.1:7777", "--max-participants-per-room", "4"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.MaxParticipantsPerRoom != 4 {
		t.Fatalf("MaxParticipantsPerRoom=%d, want 4", cfg.MaxParticipantsPerRoom)
	}
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := load(noEnv, []string{"--log-format", "yaml"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarLogLevel: "verbose"}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestNegativeRoomCapacityRejected(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarMaxParticipantsPerRoom: "-1"}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestZeroMessageLimitsRejected(t *testing.T) {
	for _, key := range []string{envVarMaxSignalingMessageBytes, envVarMaxSignalingMessagesPerSecond} {
		_, err := load(lookupMap(map[string]string{key: "0"}), nil)
		if err == nil {
			t.Fatalf("expected error for %s=0, got nil", key)
		}
	}
}

func TestTURNRESTTTLValidatedOnlyWhenEnabled(t *testing.T) {
	// Without a secret the TTL is inert.
	if _, err := load(lookupMap(map[string]string{envVarTURNRESTTTLSeconds: "0"}), nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "hunter2",
		envVarTURNRESTTTLSeconds:   "0",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for enabled TURN REST with zero TTL")
	}
	if !strings.Contains(err.Error(), "TURN REST") {
		t.Fatalf("err=%v, expected mention of TURN REST", err)
	}
}
