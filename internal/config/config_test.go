package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadProfileTOMLDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	body := `server_url = "ws://localhost:8080/ws"
user_id = "alice"

[connection]
heartbeat_interval = "2s"
max_reconnect_attempts = 7
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if p.Connection.HeartbeatInterval.Duration != 2*time.Second {
		t.Errorf("heartbeat_interval = %v, want 2s", p.Connection.HeartbeatInterval)
	}
	if p.Connection.MaxReconnectAttempts != 7 {
		t.Errorf("max_reconnect_attempts = %d, want 7", p.Connection.MaxReconnectAttempts)
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"alive_timeout", p.Connection.AliveTimeout.Duration, 90 * time.Second},
		{"connect_timeout", p.Connection.ConnectTimeout.Duration, 90 * time.Second},
		{"reconnect_delay", p.Connection.ReconnectDelay.Duration, time.Second},
		{"ack_timeout", p.Delivery.AckTimeout.Duration, 5 * time.Second},
		{"retry_interval", p.Delivery.RetryInterval.Duration, time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if p.Delivery.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", p.Delivery.MaxRetries)
	}
	if p.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", p.LogLevel)
	}
}

func TestLoadProfileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `server_url: wss://chat.example.com/ws
user_id: bob
token: secret
auto_connect: true
delivery:
  ack_timeout: 3s
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if !p.AutoConnect || p.Token != "secret" {
		t.Errorf("got %+v", p)
	}
	if p.Delivery.AckTimeout.Duration != 3*time.Second || p.Delivery.MaxRetries != 5 {
		t.Errorf("delivery = %+v", p.Delivery)
	}
}

func TestSaveProfileRoundTrip(t *testing.T) {
	for _, name := range []string{"profile.toml", "profile.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			p := DefaultProfile()
			p.ServerURL = "ws://127.0.0.1:9000/ws"
			p.UserID = "carol"
			p.Connection.ReconnectDelay = Duration{1500 * time.Millisecond}

			if err := SaveProfile(path, p); err != nil {
				t.Fatal(err)
			}
			loaded, err := LoadProfile(path)
			if err != nil {
				t.Fatal(err)
			}
			if *loaded != *p {
				t.Errorf("loaded = %+v, want %+v", loaded, p)
			}
		})
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Profile)
		wantErr string
	}{
		{"valid", func(p *Profile) {}, ""},
		{"missing url", func(p *Profile) { p.ServerURL = "" }, "server_url is required"},
		{"http scheme", func(p *Profile) { p.ServerURL = "http://x/ws" }, "want ws or wss"},
		{"missing user", func(p *Profile) { p.UserID = "" }, "user_id is required"},
		{"bad level", func(p *Profile) { p.LogLevel = "loud" }, "log_level"},
		{"negative retries", func(p *Profile) { p.Delivery.MaxRetries = -1 }, "max_retries"},
		{"alive below interval", func(p *Profile) { p.Connection.AliveTimeout = Duration{time.Millisecond} }, "alive_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProfile()
			p.ServerURL = "ws://localhost/ws"
			p.UserID = "alice"
			tt.mutate(p)

			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected error for invalid duration")
	}
}
