package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/racectl/internal/config"
	"github.com/danmuck/racectl/internal/service"
)

func loadServiceConfig(path string) (service.Config, config.File, error) {
	file := config.Default()
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return service.Config{}, config.File{}, fmt.Errorf("load racectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return service.Config{}, config.File{}, fmt.Errorf("load racectl config: %w: unknown keys %s", config.ErrInvalid, strings.Join(keys, ", "))
	}

	// A [device.sim] table without an explicit backend selects the simulator.
	if meta.IsDefined("device", "sim") && !meta.IsDefined("device", "backend") {
		file.Device.Backend = string(service.BackendSim)
	}

	if meta.IsDefined("server", "cors_origins") && len(file.Server.CorsOrigins) == 0 {
		file.Server.CorsOrigins = []string{"*"}
	}

	if meta.IsDefined("device", "address") {
		file.Device.Address = strings.ToUpper(strings.TrimSpace(file.Device.Address))
	}

	cfg, err := config.Resolve(file)
	if err != nil {
		return service.Config{}, config.File{}, fmt.Errorf("load racectl config: %w", err)
	}
	return cfg, file, nil
}

type flagOverrides struct {
	addr    string
	backend string
	address string
}

func (o flagOverrides) apply(cfg *service.Config) error {
	if v := strings.TrimSpace(o.addr); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(o.backend); v != "" {
		b := service.Backend(v)
		if !b.Valid() {
			return fmt.Errorf("%w: %q", service.ErrUnknownBackend, v)
		}
		cfg.Device.Backend = b
	}
	if v := strings.ToUpper(strings.TrimSpace(o.address)); v != "" {
		cfg.Device.BlueZ.Address = v
		cfg.Device.HCI.Address = v
	}
	return nil
}
