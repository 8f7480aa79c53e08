// Package config reads client and devserver settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Client configures the CLI: where the backend lives and how to authenticate.
type Client struct {
	APIURL      string        `env:"KEEP_API_URL" envDefault:"http://localhost:5002/api" validate:"required,url"`
	SocketURL   string        `env:"KEEP_SOCKET_URL" envDefault:"ws://localhost:5002/ws" validate:"required,url"`
	Token       string        `env:"KEEP_TOKEN"`
	Email       string        `env:"KEEP_EMAIL" validate:"omitempty,email"`
	Password    string        `env:"KEEP_PASSWORD"`
	LogLevel    string        `env:"KEEP_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	HTTPTimeout time.Duration `env:"KEEP_HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`
}

// Server configures the development backend.
type Server struct {
	Addr     string `env:"KEEPD_ADDR" envDefault:"localhost:5002" validate:"required,hostname_port"`
	LogLevel string `env:"KEEP_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	// DBPath enables sqlite snapshots of the in-memory state. Empty keeps everything in memory.
	DBPath         string        `env:"KEEPD_DB_PATH"`
	BackupInterval time.Duration `env:"KEEPD_BACKUP_INTERVAL" envDefault:"5s" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks a parsed config struct. Flags may have overridden fields after ParseEnv, so this is
// a separate step.
func Validate(target any) error {
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func LoadClient() (Client, error) {
	var c Client
	if err := ParseEnv(&c); err != nil {
		return c, err
	}
	return c, Validate(c)
}

func LoadServer() (Server, error) {
	var s Server
	if err := ParseEnv(&s); err != nil {
		return s, err
	}
	return s, Validate(s)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger returns a text logger at the named level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}
