package config

import (
	"strings"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/logging"
	"github.com/danmuck/racectl/internal/service"
	"github.com/rs/zerolog"
)

// Resolve validates f and converts it into the runtime service config.
func Resolve(f File) (service.Config, error) {
	if err := Validate(f); err != nil {
		return service.Config{}, err
	}
	cfg := service.DefaultConfig()
	dur := func(raw string) time.Duration {
		d, _ := parseDuration(raw)
		return d
	}

	cfg.Server.Addr = strings.TrimSpace(f.Server.Addr)
	cfg.Server.HeartbeatDelay = dur(f.Server.HeartbeatDelay)
	cfg.Server.HeartbeatInterval = dur(f.Server.HeartbeatInterval)
	cfg.Server.CORSOrigins = trimAll(f.Server.CorsOrigins)
	cfg.Server.WriteTimeout = dur(f.Server.WriteTimeout)
	cfg.Server.StopTimeout = dur(f.Server.StopTimeout)
	cfg.Server.RaceMode, _ = parseRaceMode(f.Race.Mode)
	cfg.Server.MetricsToken = strings.TrimSpace(f.Server.MetricsToken)
	cfg.Server = cfg.Server.WithDefaults()
	cfg.StatusInterval = dur(f.Server.StatusInterval)

	d := f.Device
	dev := &cfg.Device
	dev.Backend = service.Backend(strings.TrimSpace(d.Backend))
	dev.BlueZ.Adapter = strings.TrimSpace(d.Adapter)
	dev.BlueZ.Address = strings.TrimSpace(d.Address)
	dev.BlueZ.ServiceUUID = strings.TrimSpace(d.ServiceUUID)
	dev.BlueZ.WriteUUID = strings.TrimSpace(d.WriteUUID)
	dev.BlueZ.NotifyUUID = strings.TrimSpace(d.NotifyUUID)
	dev.BlueZ.ResolveTimeout = dur(d.ResolveTimeout)
	dev.BlueZ = dev.BlueZ.WithDefaults()

	dev.HCI.Address = dev.BlueZ.Address
	dev.HCI.ServiceUUID = dev.BlueZ.ServiceUUID
	dev.HCI.WriteUUID = dev.BlueZ.WriteUUID
	dev.HCI.NotifyUUID = dev.BlueZ.NotifyUUID
	dev.HCI.ScanTimeout = dur(d.ScanTimeout)
	dev.HCI = dev.HCI.WithDefaults()

	dev.Engine = device.Options{
		Capacity:           d.Capacity,
		MaxAttempts:        d.MaxAttempts,
		RetryDelay:         dur(d.RetryDelay),
		SettleDelay:        dur(d.SettleDelay),
		PilotFlashOffset:   d.PilotFlashOffset,
		CalibrationTimeout: dur(d.CalibrationTimeout),
	}.WithDefaults()

	dev.Sim.LapInterval = dur(d.Sim.LapInterval)
	if d.Sim.RSSI != 0 {
		dev.Sim.RSSI = d.Sim.RSSI
	}
	if s := strings.TrimSpace(d.Sim.Battery); s != "" {
		dev.Sim.Battery = s
	}
	dev.Sim.Capacity = dev.Engine.Capacity
	dev.Sim.FlashOffset = dev.Engine.PilotFlashOffset

	dev.ConnectAttempts = d.ConnectAttempts
	if b := dur(d.ConnectBackoff); b > 0 {
		dev.Backoff.InitialDelay = b
	}
	if b := dur(d.ConnectBackoffMax); b > 0 {
		dev.Backoff.MaxDelay = b
	}
	return cfg, nil
}

// LogLevel returns the configured level and whether one was set.
func (f File) LogLevel() (zerolog.Level, bool) {
	return logging.ParseLevel(f.Log.Level)
}

func parseRaceMode(raw string) (device.RaceMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "single", "1":
		return device.RaceModeSingle, true
	case "multi", "2":
		return device.RaceModeMulti, true
	case "test", "3":
		return device.RaceModeTest, true
	default:
		return 0, false
	}
}

func raceModeName(m device.RaceMode) string {
	switch m {
	case device.RaceModeSingle:
		return "single"
	case device.RaceModeTest:
		return "test"
	default:
		return "multi"
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
