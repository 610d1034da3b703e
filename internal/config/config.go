package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/racectl/internal/logging"
	"github.com/danmuck/racectl/internal/service"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// File is the on-disk racectl configuration. Durations are Go duration strings.
type File struct {
	Server ServerSection `toml:"server"`
	Device DeviceSection `toml:"device"`
	Race   RaceSection   `toml:"race"`
	Log    LogSection    `toml:"log"`
}

type ServerSection struct {
	Addr              string   `toml:"addr" comment:"listen address for the live timing WebSocket, /health and /metrics"`
	HeartbeatDelay    string   `toml:"heartbeat_delay" comment:"wait before the first heartbeat after a client attaches"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	CorsOrigins       []string `toml:"cors_origins" comment:"allowed browser origins; \"*\" allows any"`
	WriteTimeout      string   `toml:"write_timeout"`
	StopTimeout       string   `toml:"stop_timeout" comment:"bound on device cleanup when a client or the server goes away"`
	StatusInterval    string   `toml:"status_interval" comment:"period of the status log line; \"0s\" disables it"`
	MetricsToken      string   `toml:"metrics_token" comment:"bearer token required by /metrics; empty leaves it open"`
}

type DeviceSection struct {
	Backend            string     `toml:"backend" comment:"bluez | hci | sim"`
	Address            string     `toml:"address" comment:"transponder MAC; empty picks the first device advertising service_uuid"`
	Adapter            string     `toml:"adapter" comment:"bluez controller name, e.g. hci0"`
	ServiceUUID        string     `toml:"service_uuid"`
	WriteUUID          string     `toml:"write_uuid"`
	NotifyUUID         string     `toml:"notify_uuid"`
	Capacity           int        `toml:"capacity" comment:"fixed frame size in bytes"`
	MaxAttempts        int        `toml:"max_attempts" comment:"tries per command before an unexpected response is reported"`
	RetryDelay         string     `toml:"retry_delay"`
	SettleDelay        string     `toml:"settle_delay" comment:"wait between writing a command and reading its response"`
	PilotFlashOffset   int        `toml:"pilot_flash_offset"`
	CalibrationTimeout string     `toml:"calibration_timeout"`
	ConnectAttempts    int        `toml:"connect_attempts" comment:"0 retries until shutdown"`
	ConnectBackoff     string     `toml:"connect_backoff"`
	ConnectBackoffMax  string     `toml:"connect_backoff_max"`
	ResolveTimeout     string     `toml:"resolve_timeout" comment:"bluez: wait for GATT services after connecting"`
	ScanTimeout        string     `toml:"scan_timeout" comment:"hci: bound on scanning for the transponder"`
	Sim                SimSection `toml:"sim"`
}

type SimSection struct {
	LapInterval string `toml:"lap_interval" comment:"time between simulated gate passes; \"0s\" disables them"`
	RSSI        int    `toml:"rssi"`
	Battery     string `toml:"battery"`
}

type RaceSection struct {
	Mode string `toml:"mode" comment:"single | multi | test"`
}

type LogSection struct {
	Level string `toml:"level" comment:"trace | debug | info | warn | error | off; RACECTL_LOG_LEVEL wins"`
}

// Default renders service.DefaultConfig as a File.
func Default() File {
	svc := service.DefaultConfig()
	dev := svc.Device
	return File{
		Server: ServerSection{
			Addr:              svc.Server.Addr,
			HeartbeatDelay:    svc.Server.HeartbeatDelay.String(),
			HeartbeatInterval: svc.Server.HeartbeatInterval.String(),
			CorsOrigins:       append([]string(nil), svc.Server.CORSOrigins...),
			WriteTimeout:      svc.Server.WriteTimeout.String(),
			StopTimeout:       svc.Server.StopTimeout.String(),
			StatusInterval:    svc.StatusInterval.String(),
		},
		Device: DeviceSection{
			Backend:            string(dev.Backend),
			Address:            dev.BlueZ.Address,
			Adapter:            dev.BlueZ.Adapter,
			ServiceUUID:        dev.BlueZ.ServiceUUID,
			WriteUUID:          dev.BlueZ.WriteUUID,
			NotifyUUID:         dev.BlueZ.NotifyUUID,
			Capacity:           dev.Engine.Capacity,
			MaxAttempts:        dev.Engine.MaxAttempts,
			RetryDelay:         dev.Engine.RetryDelay.String(),
			SettleDelay:        dev.Engine.SettleDelay.String(),
			PilotFlashOffset:   dev.Engine.PilotFlashOffset,
			CalibrationTimeout: dev.Engine.CalibrationTimeout.String(),
			ConnectAttempts:    dev.ConnectAttempts,
			ConnectBackoff:     dev.Backoff.InitialDelay.String(),
			ConnectBackoffMax:  dev.Backoff.MaxDelay.String(),
			ResolveTimeout:     dev.BlueZ.ResolveTimeout.String(),
			ScanTimeout:        dev.HCI.ScanTimeout.String(),
			Sim: SimSection{
				LapInterval: dev.Sim.LapInterval.String(),
				RSSI:        dev.Sim.RSSI,
				Battery:     dev.Sim.Battery,
			},
		},
		Race: RaceSection{Mode: raceModeName(svc.Server.RaceMode)},
		Log:  LogSection{Level: "info"},
	}
}

// Load reads path over Default and validates the result. Unknown keys are
// rejected.
func Load(path string) (File, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return File{}, err
	}
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %w: %s", path, ErrInvalid, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate checks every field Resolve depends on.
func Validate(cfg File) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		fail("server.addr is required")
	}
	for i, origin := range cfg.Server.CorsOrigins {
		if strings.TrimSpace(origin) == "" {
			fail("server.cors_origins[%d] is empty", i)
		}
	}
	if !service.Backend(cfg.Device.Backend).Valid() {
		fail("device.backend %q (want bluez, hci or sim)", cfg.Device.Backend)
	}
	if cfg.Device.Capacity < 2 {
		fail("device.capacity %d must be at least 2", cfg.Device.Capacity)
	}
	if cfg.Device.MaxAttempts < 1 {
		fail("device.max_attempts %d must be at least 1", cfg.Device.MaxAttempts)
	}
	if cfg.Device.PilotFlashOffset < 0 {
		fail("device.pilot_flash_offset %d is negative", cfg.Device.PilotFlashOffset)
	}
	if cfg.Device.ConnectAttempts < 0 {
		fail("device.connect_attempts %d is negative", cfg.Device.ConnectAttempts)
	}
	if _, ok := parseRaceMode(cfg.Race.Mode); !ok {
		fail("race.mode %q (want single, multi or test)", cfg.Race.Mode)
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok && strings.TrimSpace(cfg.Log.Level) != "" {
		fail("log.level %q", cfg.Log.Level)
	}
	for key, raw := range cfg.durations() {
		if _, err := parseDuration(raw); err != nil {
			fail("%s: %v", key, err)
		}
	}
	return errors.Join(errs...)
}

func (f File) durations() map[string]string {
	return map[string]string{
		"server.heartbeat_delay":     f.Server.HeartbeatDelay,
		"server.heartbeat_interval":  f.Server.HeartbeatInterval,
		"server.write_timeout":       f.Server.WriteTimeout,
		"server.stop_timeout":        f.Server.StopTimeout,
		"server.status_interval":     f.Server.StatusInterval,
		"device.retry_delay":         f.Device.RetryDelay,
		"device.settle_delay":        f.Device.SettleDelay,
		"device.calibration_timeout": f.Device.CalibrationTimeout,
		"device.connect_backoff":     f.Device.ConnectBackoff,
		"device.connect_backoff_max": f.Device.ConnectBackoffMax,
		"device.resolve_timeout":     f.Device.ResolveTimeout,
		"device.scan_timeout":        f.Device.ScanTimeout,
		"device.sim.lap_interval":    f.Device.Sim.LapInterval,
	}
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
