package config

import (
	"encoding/base64"
	"fmt"
)

type Config struct {
	RealtimeURL    string
	DatabaseDSN    string
	SigningKey     []byte
	DebugAddr      string
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(realtimeURL, databaseDSN, base64Secret, debugAddr string, allowedOrigins []string) (*Config, error) {
	if realtimeURL == "" {
		return nil, fmt.Errorf("realtime URL cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		RealtimeURL:    realtimeURL,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		DebugAddr:      debugAddr,
		AllowedOrigins: allowedOrigins,
	}, nil
}
