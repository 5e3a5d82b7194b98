package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	var (
		rtURL = "ws://localhost:4000/realtime"
		dsn   = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key   = "c29tZV9zZWNyZXQ="
		debug = "localhost:8090"
		orig  = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name  string
		rtURL string
		dsn   string
		key   string
		err   bool
	}{
		{
			name:  "valid config",
			rtURL: rtURL,
			dsn:   dsn,
			key:   key,
			err:   false,
		},
		{
			name:  "empty realtime URL",
			rtURL: "",
			dsn:   dsn,
			key:   key,
			err:   true,
		},
		{
			name:  "empty DSN",
			rtURL: rtURL,
			dsn:   "",
			key:   key,
			err:   true,
		},
		{
			name:  "empty signing key",
			rtURL: rtURL,
			dsn:   dsn,
			key:   "",
			err:   true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.rtURL, tc.dsn, tc.key, debug, orig)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.rtURL, config.RealtimeURL, "expected realtime URL to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, debug, config.DebugAddr, "expected debug address to match")
			assert.Equal(t, orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.NotEmpty(t, config.SigningKey, "expected signing key to be decoded and not empty")
		})
	}
}

func Test_decodeSigningSecret(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
