package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr          string
	DatabaseURL         string
	JWTSecret           string
	BroadcastTimeout    time.Duration
	NegotiationTimeout  time.Duration
	ReescalationLimit   int
	SignalBufferTTL     time.Duration
	AuditRetention      time.Duration
	NotifyProvider      string
	SNSRegion           string
	SNSSenderID         string
	EmergencySMSEnabled bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:          envOrDefault("TRIAGE_LISTEN_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("TRIAGE_DATABASE_URL"),
		JWTSecret:           os.Getenv("TRIAGE_JWT_SECRET"),
		BroadcastTimeout:    secondsEnv("TRIAGE_BROADCAST_TIMEOUT_SECONDS", 30),
		NegotiationTimeout:  secondsEnv("TRIAGE_NEGOTIATION_TIMEOUT_SECONDS", 60),
		ReescalationLimit:   ParsePositiveIntEnv("TRIAGE_REESCALATION_LIMIT", 3),
		SignalBufferTTL:     secondsEnv("TRIAGE_SIGNAL_BUFFER_TTL_SECONDS", 300),
		AuditRetention:      time.Duration(ParsePositiveIntEnv("TRIAGE_AUDIT_RETENTION_HOURS", 720)) * time.Hour,
		NotifyProvider:      envOrDefault("TRIAGE_NOTIFY_PROVIDER", "fake"),
		SNSRegion:           envOrDefault("TRIAGE_SNS_REGION", "us-east-1"),
		SNSSenderID:         os.Getenv("TRIAGE_SNS_SENDER_ID"),
		EmergencySMSEnabled: envOrDefault("TRIAGE_EMERGENCY_SMS", "true") == "true",
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("TRIAGE_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("TRIAGE_JWT_SECRET is required")
	}
	if cfg.NotifyProvider != "fake" && cfg.NotifyProvider != "sns" {
		return Config{}, fmt.Errorf("TRIAGE_NOTIFY_PROVIDER must be one of fake|sns")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func secondsEnv(k string, d int) time.Duration {
	return time.Duration(ParsePositiveIntEnv(k, d)) * time.Second
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return d
	}
	return n
}
