// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "replyhub"
	DefaultPGSSLMode    = "disable"
	DefaultGatewayURL   = "wss://127.0.0.1:8443/ws"
	DefaultGraphBaseURL = "https://graph.facebook.com/v19.0"
	DefaultShopBaseURL  = "https://open-api.tiktokglobalshop.com"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Channels ChannelsConfig `toml:"channels"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AdminConfig holds the initial admin agent account (username, password, email).
type AdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Email    string `toml:"email"`
}

// AuthConfig holds JWT secret and token expiry (e.g. 24h).
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// ChannelsConfig holds per-channel adapter settings.
type ChannelsConfig struct {
	// DevMode disables webhook signature enforcement for local testing only.
	DevMode   bool            `toml:"dev_mode"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Meta      MetaConfig      `toml:"meta"`
	TikTok    TikTokConfig    `toml:"tiktok"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
}

// WhatsAppConfig holds the bridge gateway endpoint and send throttling.
type WhatsAppConfig struct {
	GatewayURL         string  `toml:"gateway_url"`
	MinSendDelayMs     int     `toml:"min_send_delay_ms"`
	WindowSeconds      int     `toml:"window_seconds"`
	WindowLimit        int     `toml:"window_limit"`
}

// TelegramConfig holds the Bot API endpoint override and send throttling.
type TelegramConfig struct {
	// APIEndpoint overrides the Bot API URL format, for local testing.
	APIEndpoint    string `toml:"api_endpoint"`
	MinSendDelayMs int    `toml:"min_send_delay_ms"`
	WindowSeconds  int    `toml:"window_seconds"`
	WindowLimit    int    `toml:"window_limit"`
}

// MetaConfig holds Graph API endpoint and request rate for Messenger/Instagram.
type MetaConfig struct {
	GraphBaseURL      string  `toml:"graph_base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MinSendDelayMs    int     `toml:"min_send_delay_ms"`
}

// TikTokConfig holds the shop chat API endpoint and request rate.
type TikTokConfig struct {
	APIBaseURL        string  `toml:"api_base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MinSendDelayMs    int     `toml:"min_send_delay_ms"`
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
			Email:    "you@example.com",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Channels: ChannelsConfig{
			ConnectTimeoutSeconds: 30,
			WhatsApp: WhatsAppConfig{
				GatewayURL:     DefaultGatewayURL,
				MinSendDelayMs: 1100,
				WindowSeconds:  3600,
				WindowLimit:    180,
			},
			Telegram: TelegramConfig{
				MinSendDelayMs: 1000,
				WindowSeconds:  1,
				WindowLimit:    30,
			},
			Meta: MetaConfig{
				GraphBaseURL:      DefaultGraphBaseURL,
				RequestsPerSecond: 10,
				MinSendDelayMs:    250,
			},
			TikTok: TikTokConfig{
				APIBaseURL:        DefaultShopBaseURL,
				RequestsPerSecond: 5,
				MinSendDelayMs:    500,
			},
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
