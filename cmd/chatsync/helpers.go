package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/leadconsole/chatsync"
	"github.com/rs/zerolog"
)

// mustConfig loads the effective config or exits.
func mustConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync init <token> --base-url <url>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a REST client from the config.
func getClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.Token, chatsync.WithBaseURL(cfg.Default.BaseURL))
}

// getSession creates a socket session from the config.
func getSession(cfg *Config, log zerolog.Logger) (*chatsync.Session, error) {
	delay, err := cfg.reconnectDelay()
	if err != nil {
		return nil, err
	}
	return chatsync.NewSession(chatsync.SessionConfig{
		BaseURL:              cfg.Default.BaseURL,
		Token:                cfg.Default.Token,
		SocketPath:           cfg.Session.SocketPath,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       delay,
		Logger:               &log,
	}), nil
}

// apiError formats a REST failure for display.
func apiError(err error) error {
	if chatsync.IsAuth(err) {
		return fmt.Errorf("not authorized (check default.token): %w", err)
	}
	var fe *chatsync.FetchError
	if errors.As(err, &fe) && fe.Code != "" {
		return fmt.Errorf("API error: %s: %w", fe.Code, err)
	}
	return fmt.Errorf("request failed: %w", err)
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
