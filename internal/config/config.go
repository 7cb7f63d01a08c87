package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the global chatlink config (~/.chatlink/config.toml).
type Config struct {
	DefaultProfile string `toml:"default_profile" yaml:"default_profile"`
}

// Load reads the global config.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := decode(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config.
func Save(path string, cfg *Config) error {
	return encode(path, cfg)
}

// Duration is a time.Duration that decodes from strings like "1s" or "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Connection holds connection manager, heartbeat and reconnect settings.
type Connection struct {
	HeartbeatInterval    Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	AliveTimeout         Duration `toml:"alive_timeout" yaml:"alive_timeout"`
	ConnectTimeout       Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	ReconnectDelay       Duration `toml:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// Delivery holds pending-ack queue settings.
type Delivery struct {
	AckTimeout    Duration `toml:"ack_timeout" yaml:"ack_timeout"`
	RetryInterval Duration `toml:"retry_interval" yaml:"retry_interval"`
	MaxRetries    int      `toml:"max_retries" yaml:"max_retries"`
}

// Transport holds websocket I/O settings.
type Transport struct {
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     Duration `toml:"write_timeout" yaml:"write_timeout"`
	SendBuffer       int      `toml:"send_buffer" yaml:"send_buffer"`
}

// Profile is the per-profile config (~/.chatlink/profiles/<name>/profile.toml
// or profile.yaml).
type Profile struct {
	ServerURL   string `toml:"server_url" yaml:"server_url"`
	UserID      string `toml:"user_id" yaml:"user_id"`
	Token       string `toml:"token" yaml:"token"`
	AutoConnect bool   `toml:"auto_connect" yaml:"auto_connect"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`

	Connection Connection `toml:"connection" yaml:"connection"`
	Delivery   Delivery   `toml:"delivery" yaml:"delivery"`
	Transport  Transport  `toml:"transport" yaml:"transport"`
}

// DefaultProfile returns a profile with every timing at its default.
func DefaultProfile() *Profile {
	p := &Profile{}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills zero-valued fields.
func (p *Profile) ApplyDefaults() {
	setDur := func(d *Duration, v time.Duration) {
		if d.Duration == 0 {
			d.Duration = v
		}
	}
	setInt := func(n *int, v int) {
		if *n == 0 {
			*n = v
		}
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
	setDur(&p.Connection.HeartbeatInterval, time.Second)
	setDur(&p.Connection.AliveTimeout, 90*time.Second)
	setDur(&p.Connection.ConnectTimeout, 90*time.Second)
	setDur(&p.Connection.ReconnectDelay, time.Second)
	setInt(&p.Connection.MaxReconnectAttempts, 5)

	setDur(&p.Delivery.AckTimeout, 5*time.Second)
	setDur(&p.Delivery.RetryInterval, time.Second)
	setInt(&p.Delivery.MaxRetries, 3)

	setDur(&p.Transport.HandshakeTimeout, 30*time.Second)
	setDur(&p.Transport.WriteTimeout, 10*time.Second)
	setInt(&p.Transport.SendBuffer, 256)
}

// Validate checks the profile after defaults have been applied.
func (p *Profile) Validate() error {
	var errs []error
	if p.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if u, err := url.Parse(p.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("server_url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server_url scheme %q: want ws or wss", u.Scheme))
	}
	if p.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if _, err := zapcore.ParseLevel(p.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if p.Connection.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("connection.max_reconnect_attempts must not be negative"))
	}
	if p.Delivery.MaxRetries < 0 {
		errs = append(errs, errors.New("delivery.max_retries must not be negative"))
	}
	if p.Connection.AliveTimeout.Duration < p.Connection.HeartbeatInterval.Duration {
		errs = append(errs, errors.New("connection.alive_timeout must be at least heartbeat_interval"))
	}
	if p.Transport.SendBuffer < 1 {
		errs = append(errs, errors.New("transport.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// LoadProfile reads a profile (TOML, or YAML for .yaml/.yml), applies
// defaults and validates it.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	if err := decode(path, &p); err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

// SaveProfile writes a profile in the format implied by the path extension.
func SaveProfile(path string, p *Profile) error {
	return encode(path, p)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, v any) error {
	if !isYAML(path) {
		_, err := toml.DecodeFile(path, v)
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func encode(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	}
	return toml.NewEncoder(f).Encode(v)
}
