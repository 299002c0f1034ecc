package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sreutter/siproxylin-sub001/pkg/xmppnet"
	"github.com/sreutter/siproxylin-sub001/pkg/xmppreg"
)

// fileConfig is the TOML shape of an optional config file. Flags win
// over file values.
type fileConfig struct {
	Proxy struct {
		Type     string `toml:"type"`
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"proxy"`
	Timeouts struct {
		Connect string `toml:"connect"`
		Query   string `toml:"query"`
		Submit  string `toml:"submit"`
	} `toml:"timeouts"`
	Transport    string `toml:"transport"`
	WebSocketURL string `toml:"websocket_url"`
}

// cliConfig is the merged file + flag configuration the commands use.
type cliConfig struct {
	session      xmppreg.Config
	queryTimeout time.Duration
	submitTimeout time.Duration
}

func loadFileConfig(path string, cfg *cliConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("proxy", "host") {
		cfg.session.Proxy = &xmppnet.ProxyConfig{
			Type:     xmppnet.ProxyType(strings.TrimSpace(raw.Proxy.Type)),
			Host:     strings.TrimSpace(raw.Proxy.Host),
			Port:     raw.Proxy.Port,
			Username: raw.Proxy.Username,
			Password: raw.Proxy.Password,
		}
	}
	if meta.IsDefined("timeouts", "connect") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeouts.Connect))
		if err != nil {
			return fmt.Errorf("parse timeouts.connect: %w", err)
		}
		cfg.session.ConnectTimeout = d
	}
	if meta.IsDefined("timeouts", "query") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeouts.Query))
		if err != nil {
			return fmt.Errorf("parse timeouts.query: %w", err)
		}
		cfg.queryTimeout = d
	}
	if meta.IsDefined("timeouts", "submit") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeouts.Submit))
		if err != nil {
			return fmt.Errorf("parse timeouts.submit: %w", err)
		}
		cfg.submitTimeout = d
	}
	if meta.IsDefined("transport") {
		cfg.session.Transport = xmppreg.Transport(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("websocket_url") {
		cfg.session.WebSocket.URL = strings.TrimSpace(raw.WebSocketURL)
	}
	return nil
}
