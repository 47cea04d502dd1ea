package httpserver

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr         = ":8080"
	defaultAllowedOrigin      = "http://localhost:3000"
	defaultJWTIssuer          = "espro-loyalty"
	defaultWalletHistoryLimit = 20
	defaultClaimsListLimit    = 50
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	JWTSigningKey      string
	JWTIssuer          string
	WalletHistoryLimit int
	ClaimsListLimit    int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	if cfg.ClaimsListLimit <= 0 {
		cfg.ClaimsListLimit = defaultClaimsListLimit
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
