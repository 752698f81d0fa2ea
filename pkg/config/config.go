// Package config loads server and client settings from the environment, with command line flags taking precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Server struct {
	Addr       string `env:"WHITEBOARD_ADDR"        envDefault:"localhost:8080"`
	RedisAddr  string `env:"WHITEBOARD_REDIS_ADDR"`
	OutboxSize int    `env:"WHITEBOARD_OUTBOX_SIZE" envDefault:"256"`
	Journal    bool   `env:"WHITEBOARD_JOURNAL"     envDefault:"true"`
	DumpDir    string `env:"WHITEBOARD_DUMP_DIR"`
	LogLevel   string `env:"WHITEBOARD_LOG_LEVEL"   envDefault:"info"`
}

type Client struct {
	Addr             string        `env:"WHITEBOARD_ADDR"              envDefault:"127.0.0.1:8080"`
	Room             string        `env:"WHITEBOARD_ROOM"              envDefault:"default"`
	Color            string        `env:"WHITEBOARD_CURSOR_COLOR"      envDefault:"#ff6b6b"`
	HistoryLimit     int           `env:"WHITEBOARD_HISTORY_LIMIT"     envDefault:"300"`
	ReactionWindow   time.Duration `env:"WHITEBOARD_REACTION_WINDOW"   envDefault:"4s"`
	EvictInterval    time.Duration `env:"WHITEBOARD_EVICT_INTERVAL"    envDefault:"1s"`
	ReactionInterval time.Duration `env:"WHITEBOARD_REACTION_INTERVAL" envDefault:"100ms"`
	LogLevel         string        `env:"WHITEBOARD_LOG_LEVEL"         envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseServer reads the environment then lets flags in args override it.
func ParseServer(fs *flag.FlagSet, args []string) (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "the address to listen on")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for relaying events between nodes, empty to disable")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", cfg.OutboxSize, "messages queued per connection before it is dropped")
	fs.BoolVar(&cfg.Journal, "journal", cfg.Journal, "mirror room shapes into an automerge journal")
	fs.StringVar(&cfg.DumpDir, "dump-dir", cfg.DumpDir, "directory to dump room journals into on shutdown")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}
	if cfg.OutboxSize <= 0 {
		return Server{}, fmt.Errorf("outbox size must be positive, got %d", cfg.OutboxSize)
	}
	return cfg, nil
}

// ParseClient reads the environment then lets flags in args override it.
func ParseClient(fs *flag.FlagSet, args []string) (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "the address to request on")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "the room to join")
	fs.StringVar(&cfg.Color, "color", cfg.Color, "cursor color")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "undo entries to keep")
	fs.DurationVar(&cfg.ReactionWindow, "reaction-window", cfg.ReactionWindow, "how long a reaction stays on screen")
	fs.DurationVar(&cfg.EvictInterval, "evict-interval", cfg.EvictInterval, "how often expired reactions are removed")
	fs.DurationVar(&cfg.ReactionInterval, "reaction-interval", cfg.ReactionInterval, "how often a held pointer emits a reaction")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}
	if cfg.Room == "" {
		return Client{}, fmt.Errorf("room is required")
	}
	return cfg, nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger returns a text logger writing to w at the named level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
