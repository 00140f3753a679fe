package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.leadconsole/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Session ConfigSession `toml:"session"`
	Notify  ConfigNotify  `toml:"notify"`
	Relay   ConfigRelay   `toml:"relay"`
}

// ConfigDefault holds the backend location and credentials.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// ConfigSession tunes the socket.
type ConfigSession struct {
	SocketPath           string `toml:"socket_path"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectDelay       string `toml:"reconnect_delay"`
}

// ConfigNotify controls passive notifications in watch mode.
type ConfigNotify struct {
	Bell bool `toml:"bell"`
}

// ConfigRelay holds the webhook relay secret.
type ConfigRelay struct {
	Secret string `toml:"secret"`
}

// reconnectDelay parses Session.ReconnectDelay; zero means the library default.
func (c *Config) reconnectDelay() (time.Duration, error) {
	if c.Session.ReconnectDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Session.ReconnectDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid session.reconnect_delay %q: %w", c.Session.ReconnectDelay, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.leadconsole, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".leadconsole")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file at path. A missing file yields a
// zero-value Config.
func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// writeConfigFile writes cfg to path as TOML.
func writeConfigFile(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// loadConfig reads the config file without environment overrides.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfigFile(path)
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfigFile(path, cfg)
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "session":
		switch field {
		case "socket_path":
			cfg.Session.SocketPath = value
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Session.MaxReconnectAttempts = n
		case "reconnect_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("reconnect_delay must be a duration (e.g. 3s): %w", err)
			}
			cfg.Session.ReconnectDelay = value
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	case "notify":
		switch field {
		case "bell":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("bell must be true or false: %w", err)
			}
			cfg.Notify.Bell = b
		default:
			return fmt.Errorf("unknown field %q in section [notify]", field)
		}
	case "relay":
		switch field {
		case "secret":
			cfg.Relay.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [relay]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, session, notify, relay)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var (
	verbose  bool
	jsonLogs bool
)

// newLogger writes to stderr so command output on stdout stays clean.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if jsonLogs {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Lead console conversation sync CLI",
	Long:  "Command-line client for the lead console.\nList conversations, read and send messages, and watch live activity.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Log as JSON instead of console text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
