package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/astromechza/nomad-sync/pkg/keylock"
	"github.com/astromechza/nomad-sync/pkg/kvstore"
)

type config struct {
	Addr        string
	Store       string
	DataDir     string
	LockStripes int
	AllowReset  bool
	StaticDir   string
	LogLevel    string
	LogFormat   string
}

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var c config
	fs.StringVar(&c.Addr, "addr", envOrDefault("NOMAD_ADDR", "localhost:8080"), "the address to listen on")
	fs.StringVar(&c.Store, "store", envOrDefault("NOMAD_STORE", kvstore.KindPebble), "the storage backend: pebble, sqlite or memory")
	fs.StringVar(&c.DataDir, "data", envOrDefault("NOMAD_DATA", "nomads"), "the directory holding the store")
	fs.IntVar(&c.LockStripes, "lock-stripes", keylock.DefaultStripes, "the number of per-key lock stripes")
	fs.BoolVar(&c.AllowReset, "allow-reset", envBool("NOMAD_ALLOW_RESET"), "allow DELETE /api/v2/nomads to clear every nomad")
	fs.StringVar(&c.StaticDir, "static", os.Getenv("STATIC_PAGE"), "a directory of static files to serve on /")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", "text", "text or json")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Normalize()
}

// Normalize fills defaults and rejects values the server cannot run with.
func (c *config) Normalize() error {
	if c.Addr == "" {
		c.Addr = "localhost:8080"
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case "":
		c.Store = kvstore.KindPebble
	case kvstore.KindPebble, kvstore.KindSQLite, kvstore.KindMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.DataDir == "" && c.Store != kvstore.KindMemory {
		return fmt.Errorf("a data directory is required for the %s store", c.Store)
	}
	if c.LockStripes <= 0 {
		c.LockStripes = keylock.DefaultStripes
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c *config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (c *config) logger() *slog.Logger {
	l, _ := c.level()
	opts := &slog.HandlerOptions{Level: l}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
