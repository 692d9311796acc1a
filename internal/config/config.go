// Package config loads broker configuration from layered sources:
// built-in defaults, an optional YAML file, environment variables
// prefixed BROKER_, and command-line flags, in that precedence order.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Broker tunables, exposed as overridable fields with these as
// defaults.
const (
	DefaultLiveness         = 90 * time.Second
	DefaultMessageTTL       = 24 * time.Hour
	DefaultCompactThreshold = 20
	DefaultMaxWait          = 3600 * time.Second
	DefaultNotifyCap        = 16
)

// Config holds the broker's runtime configuration.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	RedisURL   string `koanf:"redis_url"`
	LogLevel   string `koanf:"log_level"`

	// Auth secrets. Dev mode (no auth) is active when all three are empty.
	ServerSecret string `koanf:"server_secret"`
	ProxyToken   string `koanf:"proxy_token"`
	AdminKey     string `koanf:"admin_key"`

	Liveness         time.Duration `koanf:"liveness"`
	MessageTTL       time.Duration `koanf:"message_ttl"`
	CompactThreshold int           `koanf:"compact_threshold"`
	MaxWait          time.Duration `koanf:"max_wait"`
	NotifyCap        int           `koanf:"notify_cap"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":       ":8870",
		"redis_url":         "redis://127.0.0.1:6379/0",
		"log_level":         "info",
		"server_secret":     "",
		"proxy_token":       "",
		"admin_key":         "",
		"liveness":          DefaultLiveness.String(),
		"message_ttl":       DefaultMessageTTL.String(),
		"compact_threshold": DefaultCompactThreshold,
		"max_wait":          DefaultMaxWait.String(),
		"notify_cap":        DefaultNotifyCap,
	}
}

// Load builds a Config from defaults, an optional YAML file at
// configPath (skipped if configPath is empty; a missing file is an
// error), BROKER_-prefixed environment variables, and flags parsed
// from args.
func Load(configPath string, args []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("BROKER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BROKER_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	fs := flag.NewFlagSet("broker", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", k.String("listen_addr"), "address to listen on")
	redisURL := fs.String("redis-url", k.String("redis_url"), "redis connection URL")
	logLevel := fs.String("log-level", k.String("log_level"), "log level (debug|info|warn|error)")
	serverSecret := fs.String("server-secret", k.String("server_secret"), "shared server secret for agent/admin tokens")
	proxyToken := fs.String("proxy-token", k.String("proxy_token"), "shared bearer token for oauth/proxy mode")
	adminKey := fs.String("admin-key", k.String("admin_key"), "admin key")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"listen_addr":   *listenAddr,
		"redis_url":     *redisURL,
		"log_level":     *logLevel,
		"server_secret": *serverSecret,
		"proxy_token":   *proxyToken,
		"admin_key":     *adminKey,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	liveness, err := time.ParseDuration(k.String("liveness"))
	if err != nil {
		return nil, fmt.Errorf("parse liveness: %w", err)
	}
	messageTTL, err := time.ParseDuration(k.String("message_ttl"))
	if err != nil {
		return nil, fmt.Errorf("parse message_ttl: %w", err)
	}
	maxWait, err := time.ParseDuration(k.String("max_wait"))
	if err != nil {
		return nil, fmt.Errorf("parse max_wait: %w", err)
	}

	cfg := &Config{
		ListenAddr:       k.String("listen_addr"),
		RedisURL:         k.String("redis_url"),
		LogLevel:         k.String("log_level"),
		ServerSecret:     k.String("server_secret"),
		ProxyToken:       k.String("proxy_token"),
		AdminKey:         k.String("admin_key"),
		Liveness:         liveness,
		MessageTTL:       messageTTL,
		CompactThreshold: k.Int("compact_threshold"),
		MaxWait:          maxWait,
		NotifyCap:        k.Int("notify_cap"),
	}
	return cfg, nil
}

// AuthEnabled reports whether any credential is configured. When
// false, the broker runs in dev mode and admits every request.
func (c *Config) AuthEnabled() bool {
	return c.ServerSecret != "" || c.ProxyToken != "" || c.AdminKey != ""
}
