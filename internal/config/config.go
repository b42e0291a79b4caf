// Package config loads the relay settings from config.json and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/claj/internal/protocol"
)

// FileName is the configuration file looked up in the working directory
// when no explicit path is given.
const FileName = "config.json"

// Config stores every relay setting. Durations accept Go duration strings
// ("20s") or plain numbers, read as seconds.
type Config struct {
	Debug bool `mapstructure:"debug"`

	// SpamLimit is the packet count allowed per 3 s window before a
	// non-host connection is kicked. Zero disables the check.
	SpamLimit int `mapstructure:"spam-limit"`
	// JoinLimit is the join requests allowed per minute per address.
	// Zero disables the check.
	JoinLimit int `mapstructure:"join-limit"`

	AcceptNoType   bool          `mapstructure:"accept-no-type"`
	WarnDeprecated bool          `mapstructure:"warn-deprecated"`
	WarnClosing    bool          `mapstructure:"warn-closing"`
	CloseWait      time.Duration `mapstructure:"-"`

	Blacklist        []string `mapstructure:"blacklist"`
	BlacklistedTypes []string `mapstructure:"blacklisted-types"`

	StateLifetime time.Duration `mapstructure:"-"`
	StateTimeout  time.Duration `mapstructure:"-"`
	ListLifetime  time.Duration `mapstructure:"-"`
	ListTimeout   time.Duration `mapstructure:"-"`

	// MaxRooms caps the number of open rooms. Zero means unlimited.
	MaxRooms int `mapstructure:"max-rooms"`

	Listen       string `mapstructure:"listen"`
	WSListen     string `mapstructure:"ws-listen"`
	StatusListen string `mapstructure:"status-listen"`
	// ExternalAddress is the host[:port] advertised in room links. An
	// empty host lets clients reuse the address they dialed.
	ExternalAddress string `mapstructure:"external-address"`
}

const (
	defaultSpamLimit     = 300
	defaultJoinLimit     = 20
	defaultCloseWait     = 10 * time.Second
	defaultStateLifetime = 60 * time.Second
	defaultStateTimeout  = 20 * time.Second
	defaultListLifetime  = 60 * time.Second
	defaultListTimeout   = 30 * time.Second
	defaultListen        = ":8000"
	defaultWSListen      = ":8001"
	defaultStatusListen  = "127.0.0.1:9100"
)

var durationKeys = []string{"close-wait", "state-lifetime", "state-timeout", "list-lifetime", "list-timeout"}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		SpamLimit:      defaultSpamLimit,
		JoinLimit:      defaultJoinLimit,
		AcceptNoType:   true,
		WarnDeprecated: true,
		WarnClosing:    true,
		CloseWait:      defaultCloseWait,
		StateLifetime:  defaultStateLifetime,
		StateTimeout:   defaultStateTimeout,
		ListLifetime:   defaultListLifetime,
		ListTimeout:    defaultListTimeout,
		Listen:         defaultListen,
		WSListen:       defaultWSListen,
		StatusListen:   defaultStatusListen,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("spam-limit", d.SpamLimit)
	v.SetDefault("join-limit", d.JoinLimit)
	v.SetDefault("accept-no-type", d.AcceptNoType)
	v.SetDefault("warn-deprecated", d.WarnDeprecated)
	v.SetDefault("warn-closing", d.WarnClosing)
	v.SetDefault("close-wait", d.CloseWait.String())
	v.SetDefault("blacklist", []string{})
	v.SetDefault("blacklisted-types", []string{})
	v.SetDefault("state-lifetime", d.StateLifetime.String())
	v.SetDefault("state-timeout", d.StateTimeout.String())
	v.SetDefault("list-lifetime", d.ListLifetime.String())
	v.SetDefault("list-timeout", d.ListTimeout.String())
	v.SetDefault("max-rooms", d.MaxRooms)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("ws-listen", d.WSListen)
	v.SetDefault("status-listen", d.StatusListen)
	v.SetDefault("external-address", d.ExternalAddress)
}

// Load reads configuration from path (if any) and the environment.
// Environment variables are prefixed with CLAJ_ and override file values,
// e.g. CLAJ_SPAM_LIMIT or CLAJ_WARN_CLOSING.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLAJ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as raw values; normalize them here.
	targets := []*time.Duration{&cfg.CloseWait, &cfg.StateLifetime, &cfg.StateTimeout, &cfg.ListLifetime, &cfg.ListTimeout}
	for i, key := range durationKeys {
		d, err := parseDuration(v.Get(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*targets[i] = d
	}

	// Comma separated lists from the environment arrive as one string.
	cfg.Blacklist = splitList(cfg.Blacklist)
	cfg.BlacklistedTypes = splitList(cfg.BlacklistedTypes)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(raw any) (time.Duration, error) {
	switch x := raw.(type) {
	case time.Duration:
		return x, nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(x)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports settings the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.SpamLimit < 0 {
		errs = append(errs, fmt.Errorf("spam-limit must not be negative, got %d", c.SpamLimit))
	}
	if c.JoinLimit < 0 {
		errs = append(errs, fmt.Errorf("join-limit must not be negative, got %d", c.JoinLimit))
	}
	if c.MaxRooms < 0 {
		errs = append(errs, fmt.Errorf("max-rooms must not be negative, got %d", c.MaxRooms))
	}
	for i, d := range []time.Duration{c.CloseWait, c.StateLifetime, c.StateTimeout, c.ListLifetime, c.ListTimeout} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", durationKeys[i], d))
		}
	}
	if c.Listen == "" && c.WSListen == "" {
		errs = append(errs, errors.New("at least one of listen and ws-listen must be set"))
	}
	if _, err := c.Types(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.LinkAddress(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Types parses the blacklisted implementation tags.
func (c Config) Types() ([]protocol.ClajType, error) {
	out := make([]protocol.ClajType, 0, len(c.BlacklistedTypes))
	for _, s := range c.BlacklistedTypes {
		t, err := protocol.NewClajType(s)
		if err != nil {
			return nil, fmt.Errorf("blacklisted-types: %q: %w", s, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// LinkAddress returns the host and port announced in room links. Without
// an external address the host is empty and the port is taken from the
// TCP listen address.
func (c Config) LinkAddress() (string, uint16, error) {
	addr := c.ExternalAddress
	if addr == "" {
		addr = c.Listen
	}
	if addr == "" {
		return "", 0, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// A bare host keeps the listen port.
		if c.ExternalAddress == "" {
			return "", 0, fmt.Errorf("listen %q: %w", c.Listen, err)
		}
		host, portStr = c.ExternalAddress, ""
	}
	if c.ExternalAddress == "" {
		host = ""
	}
	if portStr == "" {
		if _, p, err := net.SplitHostPort(c.Listen); err == nil {
			portStr = p
		}
	}
	if portStr == "" {
		return host, 0, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("link port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
