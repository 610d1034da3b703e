// Package sim is an in-process transponder that speaks the device command
// protocol. It backs bench runs without hardware and the server tests.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/frequency"
	"github.com/danmuck/racectl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// LapInterval is the time between simulated gate passes while racing.
	// Zero disables automatic laps; Inject still works.
	LapInterval time.Duration
	// CalibrationStep is the delay between calibration notifications.
	CalibrationStep time.Duration
	RSSI            int
	TriggerRSSI     int
	MinLapSeconds   int
	Battery         string
	FlashOffset     int
	Capacity        int
}

func DefaultConfig() Config {
	return Config{
		LapInterval:     3 * time.Second,
		CalibrationStep: 500 * time.Millisecond,
		RSSI:            42,
		TriggerRSSI:     120,
		MinLapSeconds:   5,
		Battery:         "3.90V",
		FlashOffset:     8,
		Capacity:        frame.Capacity,
	}
}

// Transponder is a simulated device.Link.
type Transponder struct {
	*device.StateTracker

	cfg   Config
	codec frame.Codec
	notes *device.Feed[[]byte]

	mu        sync.Mutex
	pilots    [device.MaxPilots]string
	racers    int
	trigger   int
	minLap    int
	rssi      int
	commands  []string
	failNext  int
	failErr   error
	raceStop  chan struct{}
	raceStart time.Time
	laps      [device.MaxPilots]int
	lastPass  [device.MaxPilots]time.Time
}

func New(cfg Config) *Transponder {
	def := DefaultConfig()
	if cfg.Capacity == 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.FlashOffset == 0 {
		cfg.FlashOffset = def.FlashOffset
	}
	if cfg.Battery == "" {
		cfg.Battery = def.Battery
	}
	t := &Transponder{
		StateTracker: device.NewStateTracker(),
		cfg:          cfg,
		codec:        frame.Codec{Capacity: cfg.Capacity},
		notes:        device.NewFeed[[]byte]("sim.notify", 64),
		trigger:      cfg.TriggerRSSI,
		minLap:       cfg.MinLapSeconds,
		rssi:         cfg.RSSI,
	}
	for i := range t.pilots {
		t.pilots[i] = frequency.UnassignedCode
	}
	return t
}

func (t *Transponder) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.Set(device.StateConnecting)
	t.Set(device.StateConnected)
	return nil
}

func (t *Transponder) Disconnect() error {
	t.mu.Lock()
	t.stopRaceLocked()
	t.mu.Unlock()
	t.Set(device.StateDisconnecting)
	t.notes.CloseSubscribers()
	t.Set(device.StateDisconnected)
	return nil
}

func (t *Transponder) Subscribe() (<-chan []byte, func()) {
	return t.notes.Subscribe()
}

// FailNext makes the next n link operations fail with err wrapped as a
// transport fault.
func (t *Transponder) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
	t.failErr = err
}

// Commands returns every command line received so far.
func (t *Transponder) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

// Racing reports whether a race is running.
func (t *Transponder) Racing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raceStop != nil
}

func (t *Transponder) SetRSSI(v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rssi = v
}

// Inject publishes text as a device notification.
func (t *Transponder) Inject(text string) {
	b, err := t.codec.Encode(text)
	if err != nil {
		log.Warn().Err(err).Str("text", text).Msg("sim: notification dropped")
		return
	}
	t.notes.Publish(b)
}

func (t *Transponder) Write(ctx context.Context, b []byte) error {
	_, err := t.handle(ctx, "write", b)
	return err
}

func (t *Transponder) Exchange(ctx context.Context, b []byte) ([]byte, error) {
	resp, err := t.handle(ctx, "exchange", b)
	if err != nil {
		return nil, err
	}
	out, err := t.codec.Encode(resp)
	if err != nil {
		return nil, device.Transport("read", err)
	}
	return out, nil
}

func (t *Transponder) handle(ctx context.Context, op string, b []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.State() != device.StateConnected {
		return "", device.NotConnected(op)
	}
	cmd := device.ParseCommand(t.codec.Decode(b))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = append(t.commands, cmd.String())
	if t.failNext > 0 {
		t.failNext--
		return "", device.Transport(op, t.failErr)
	}
	return t.respondLocked(cmd), nil
}

func (t *Transponder) respondLocked(cmd device.Command) string {
	switch cmd.Code {
	case device.CodeBattery:
		return t.cfg.Battery
	case device.CodeMinLapTime:
		if len(cmd.Args) > 0 {
			if v, err := strconv.Atoi(cmd.Args[0]); err == nil {
				t.minLap = v
			}
		}
		return fmt.Sprintf("F:%d", t.minLap)
	case device.CodeCalibrate:
		go t.calibrate()
		return device.TokenCalibrating
	case device.CodePilotConfig:
		if len(cmd.Args) >= 2 {
			t.assignLocked(cmd.Args[0], cmd.Args[1])
		}
		return fmt.Sprintf("%s:%d", device.KeyRacers, t.racers)
	case device.CodeRSSI:
		return fmt.Sprintf("%s:%d", device.KeyRSSI, t.rssi)
	case device.CodeActivateVRX:
		return fmt.Sprintf("%s,%ddbm,0", t.pilots[0], t.rssi)
	case device.CodeFlashRead:
		if len(cmd.Args) == 0 {
			return ""
		}
		idx, err := strconv.Atoi(cmd.Args[0])
		if err != nil {
			return ""
		}
		slot := idx - t.cfg.FlashOffset
		if slot >= 0 && slot < device.MaxPilots {
			return fmt.Sprintf("%d:%s", idx, t.pilots[slot])
		}
		return fmt.Sprintf("%d:0", idx)
	case device.CodeTriggerRSSI:
		if len(cmd.Args) > 0 {
			if v, err := strconv.Atoi(cmd.Args[0]); err == nil {
				t.trigger = v
			}
		}
		return fmt.Sprintf("%s:%d", device.KeyGate, t.trigger)
	case device.CodeStopRace:
		t.stopRaceLocked()
		return ""
	case "1", "2", "3":
		mode, _ := strconv.Atoi(cmd.Code)
		t.startRaceLocked(device.RaceMode(mode))
		return device.TokenReady
	}
	return "?"
}

// assignLocked mirrors the firmware: assigning a band/channel to pilot n
// makes the racer count at least n, clearing the last pilot shrinks it.
func (t *Transponder) assignLocked(pilot, code string) {
	n, err := strconv.Atoi(pilot)
	if err != nil || n < 1 || n > device.MaxPilots {
		return
	}
	if _, _, err := frequency.ParseCode(code); err != nil {
		return
	}
	t.pilots[n-1] = code
	t.racers = 0
	for i, c := range t.pilots {
		if c != frequency.UnassignedCode {
			t.racers = i + 1
		}
	}
}

func (t *Transponder) calibrate() {
	for _, line := range []string{"Cal 33%", "Cal 66%", device.TokenCalibrated} {
		time.Sleep(t.cfg.CalibrationStep)
		if t.State() != device.StateConnected {
			return
		}
		t.Inject(line)
	}
}

func (t *Transponder) startRaceLocked(mode device.RaceMode) {
	t.stopRaceLocked()
	stop := make(chan struct{})
	t.raceStop = stop
	t.raceStart = time.Now()
	t.laps = [device.MaxPilots]int{}
	for i := range t.lastPass {
		t.lastPass[i] = t.raceStart
	}
	if t.cfg.LapInterval > 0 {
		go t.race(mode, stop)
	}
	log.Debug().Int("mode", int(mode)).Msg("sim: race started")
}

func (t *Transponder) stopRaceLocked() {
	if t.raceStop != nil {
		close(t.raceStop)
		t.raceStop = nil
		log.Debug().Msg("sim: race stopped")
	}
}

func (t *Transponder) race(mode device.RaceMode, stop <-chan struct{}) {
	tick := time.NewTicker(t.cfg.LapInterval)
	defer tick.Stop()
	next := 0
	for {
		select {
		case <-stop:
			return
		case now := <-tick.C:
			t.mu.Lock()
			pilots := t.racers
			if pilots < 1 {
				pilots = 1
			}
			pilot := next % pilots
			next++
			line := t.passLocked(mode, pilot, now)
			t.mu.Unlock()
			t.Inject(line)
		}
	}
}

// passLocked records a gate pass and renders the lap frame for it.
func (t *Transponder) passLocked(mode device.RaceMode, pilot int, now time.Time) string {
	t.laps[pilot]++
	lapTime := now.Sub(t.lastPass[pilot]).Milliseconds()
	t.lastPass[pilot] = now
	elapsed := now.Sub(t.raceStart).Milliseconds()
	if mode == device.RaceModeSingle {
		return fmt.Sprintf("R%d,T%d,%d", t.laps[pilot], lapTime, elapsed)
	}
	return fmt.Sprintf("P%dR%dT%d,%d", pilot+1, t.laps[pilot], lapTime, elapsed)
}

var _ device.Link = (*Transponder)(nil)
