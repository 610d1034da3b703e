package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = "# racectl configuration\n\n"

// Template renders the defaults for kind: "racectl" for hardware, "sim" for a
// bench setup with the simulated transponder.
func Template(kind string) (string, error) {
	cfg := Default()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "racectl", "bluez":
	case "hci":
		cfg.Device.Backend = "hci"
	case "sim":
		cfg.Device.Backend = "sim"
		cfg.Device.ConnectAttempts = 1
		cfg.Log.Level = "debug"
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return templateHeader + string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
