package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings are the effective derivtail options after defaults, the optional
// config file and command line flags have been applied, in that order.
type Settings struct {
	Server           string
	AppID            int
	Token            string
	Symbols          []string
	KeepAlive        time.Duration
	MaxRetryCount    int
	MaxRetryInterval time.Duration
	Debug            bool
	Mock             bool
}

func defaultSettings() *Settings {
	return &Settings{
		Server:           "ws.derivws.com/websockets/v3",
		AppID:            1089,
		Symbols:          []string{"R_100"},
		KeepAlive:        30 * time.Second,
		MaxRetryInterval: 5 * time.Minute,
	}
}

// derivtail config.toml key mapping. Durations are integer milliseconds.
type fileConfig struct {
	Server             string   `toml:"server"`
	AppID              int      `toml:"app_id"`
	Token              string   `toml:"token"`
	Symbols            []string `toml:"symbols"`
	KeepAliveMS        int64    `toml:"keep_alive_ms"`
	MaxRetryCount      int      `toml:"max_retry_count"`
	MaxRetryIntervalMS int64    `toml:"max_retry_interval_ms"`
	Debug              bool     `toml:"debug"`
}

// loadSettings overlays the TOML file at path onto the defaults. Keys absent
// from the file keep their default values.
func loadSettings(path string) (*Settings, error) {
	settings := defaultSettings()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("Cannot load config file '%s': %s", path, err)
	}

	if meta.IsDefined("server") {
		settings.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("app_id") {
		settings.AppID = raw.AppID
	}
	if meta.IsDefined("token") {
		settings.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("symbols") {
		settings.Symbols = cleanSymbols(raw.Symbols)
	}
	if meta.IsDefined("keep_alive_ms") {
		settings.KeepAlive = time.Duration(raw.KeepAliveMS) * time.Millisecond
	}
	if meta.IsDefined("max_retry_count") {
		settings.MaxRetryCount = raw.MaxRetryCount
	}
	if meta.IsDefined("max_retry_interval_ms") {
		settings.MaxRetryInterval = time.Duration(raw.MaxRetryIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("debug") {
		settings.Debug = raw.Debug
	}

	return settings, nil
}

// validate rejects settings a session cannot be built from.
func (settings *Settings) validate() error {
	if !settings.Mock && strings.TrimSpace(settings.Server) == "" {
		return fmt.Errorf("No server configured")
	}
	if len(settings.Symbols) == 0 {
		return fmt.Errorf("No symbols configured")
	}
	return nil
}

func cleanSymbols(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitSymbols(csv string) []string {
	return cleanSymbols(strings.Split(csv, ","))
}
