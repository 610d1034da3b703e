package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/racectl/internal/service"
	"github.com/danmuck/racectl/internal/testutil/testlog"
)

func TestTemplatesLoadCleanly(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for kind, backend := range map[string]service.Backend{
		"racectl": service.BackendBlueZ,
		"hci":     service.BackendHCI,
		"sim":     service.BackendSim,
	} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		f, err := Load(path)
		if err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		cfg, err := Resolve(f)
		if err != nil {
			t.Fatalf("resolve %s template: %v", kind, err)
		}
		if cfg.Device.Backend != backend {
			t.Fatalf("%s template backend=%q", kind, cfg.Device.Backend)
		}
	}
}

func TestTemplateDocumentsKeys(t *testing.T) {
	testlog.Start(t)
	out, err := Template("racectl")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	for _, want := range []string{"[server]", "[device]", "[device.sim]", "[race]", "heartbeat_interval", "bluez | hci | sim"} {
		if !strings.Contains(out, want) {
			t.Fatalf("template missing %q:\n%s", want, out)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "racectl.toml")
	if err := WriteTemplate(path, "sim", false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteTemplate(path, "sim", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "racectl", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("mirage"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
