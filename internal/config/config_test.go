package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/service"
	"github.com/danmuck/racectl/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "racectl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultResolvesToServiceDefaults(t *testing.T) {
	testlog.Start(t)
	got, err := Resolve(Default())
	if err != nil {
		t.Fatalf("resolve defaults: %v", err)
	}
	want := service.DefaultConfig()
	if got.Server.Addr != want.Server.Addr || got.Server.HeartbeatDelay != want.Server.HeartbeatDelay ||
		got.Server.HeartbeatInterval != want.Server.HeartbeatInterval || got.Server.RaceMode != want.Server.RaceMode {
		t.Fatalf("server mismatch: got %+v want %+v", got.Server, want.Server)
	}
	if got.Device.Backend != service.BackendBlueZ {
		t.Fatalf("unexpected backend %q", got.Device.Backend)
	}
	if got.Device.Engine != want.Device.Engine {
		t.Fatalf("engine mismatch: got %+v want %+v", got.Device.Engine, want.Device.Engine)
	}
	if got.Device.BlueZ != want.Device.BlueZ || got.Device.HCI != want.Device.HCI {
		t.Fatalf("link config mismatch: %+v %+v", got.Device.BlueZ, got.Device.HCI)
	}
	if got.Device.Backoff != want.Device.Backoff || got.Device.ConnectAttempts != want.Device.ConnectAttempts {
		t.Fatalf("connect policy mismatch: %+v", got.Device)
	}
	if got.StatusInterval != want.StatusInterval {
		t.Fatalf("unexpected status interval %v", got.StatusInterval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
[server]
addr = "0.0.0.0:6001"
heartbeat_interval = "1s"
cors_origins = ["http://localhost:3000", " "]

[device]
backend = "sim"
address = "AA:BB:CC:DD:EE:FF"
max_attempts = 5
settle_delay = "15ms"
pilot_flash_offset = 16

[device.sim]
lap_interval = "250ms"
rssi = 77

[race]
mode = "single"

[log]
level = "debug"
`)
	f, err := Load(path)
	if err == nil {
		t.Fatalf("expected blank cors origin to be rejected")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	path = writeFile(t, strings.Replace(mustRead(t, path), `, " "]`, `]`, 1))
	f, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := Resolve(f)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:6001" || cfg.Server.HeartbeatInterval != time.Second {
		t.Fatalf("server overrides lost: %+v", cfg.Server)
	}
	if cfg.Server.HeartbeatDelay != 5*time.Second {
		t.Fatalf("unset key must keep default, got %v", cfg.Server.HeartbeatDelay)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %+v", cfg.Server.CORSOrigins)
	}
	if cfg.Server.RaceMode != device.RaceModeSingle {
		t.Fatalf("unexpected race mode %d", cfg.Server.RaceMode)
	}
	if cfg.Device.Backend != service.BackendSim || cfg.Device.HCI.Address != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected device %+v", cfg.Device)
	}
	if cfg.Device.Engine.MaxAttempts != 5 || cfg.Device.Engine.PilotFlashOffset != 16 || cfg.Device.Sim.FlashOffset != 16 {
		t.Fatalf("unexpected engine options %+v", cfg.Device.Engine)
	}
	if cfg.Device.Engine.SettleDelay != 15*time.Millisecond {
		t.Fatalf("unexpected settle delay %v", cfg.Device.Engine.SettleDelay)
	}
	if cfg.Device.Sim.LapInterval != 250*time.Millisecond || cfg.Device.Sim.RSSI != 77 {
		t.Fatalf("unexpected sim %+v", cfg.Device.Sim)
	}
	if lvl, ok := f.LogLevel(); !ok || lvl != zerolog.DebugLevel {
		t.Fatalf("unexpected log level %v %v", lvl, ok)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "[device]\nbackend = \"sim\"\nbaud = 9600\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown key, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	testlog.Start(t)
	f := Default()
	f.Device.Backend = "serial"
	f.Device.Capacity = 1
	f.Server.HeartbeatInterval = "soon"
	f.Race.Mode = "relay"
	f.Log.Level = "chatty"
	err := Validate(f)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, key := range []string{"device.backend", "device.capacity", "server.heartbeat_interval", "race.mode", "log.level"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error does not mention %s: %v", key, err)
		}
	}
	if _, err := Resolve(f); !errors.Is(err, ErrInvalid) {
		t.Fatalf("resolve must validate, got %v", err)
	}
}

func TestValidateRejectsNegativeDuration(t *testing.T) {
	testlog.Start(t)
	f := Default()
	f.Device.RetryDelay = "-1s"
	if err := Validate(f); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseRaceMode(t *testing.T) {
	testlog.Start(t)
	cases := map[string]device.RaceMode{
		"single": device.RaceModeSingle,
		" Multi": device.RaceModeMulti,
		"3":      device.RaceModeTest,
	}
	for raw, want := range cases {
		if got, ok := parseRaceMode(raw); !ok || got != want {
			t.Fatalf("parseRaceMode(%q)=%d,%v", raw, got, ok)
		}
	}
	if _, ok := parseRaceMode(""); ok {
		t.Fatalf("empty mode must be rejected")
	}
}
