package livetime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/race"
)

// fakeConn records outbound messages.
type fakeConn struct {
	id     string
	out    chan string
	mu     sync.Mutex
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, out: make(chan string, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.out <- text
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// next returns the next message, skipping heartbeats unless kind asks for them.
func (c *fakeConn) next(t *testing.T, kind string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case text := <-c.out:
			var m map[string]any
			if err := json.Unmarshal([]byte(text), &m); err != nil {
				t.Fatalf("conn %s got non-json %q", c.id, text)
			}
			if kind != NotifyHeartbeat && m["notification"] == NotifyHeartbeat {
				continue
			}
			return m
		case <-deadline:
			t.Fatalf("conn %s: timed out waiting for %s", c.id, kind)
		}
	}
}

// expectSilence fails if any message other than a heartbeat arrives within d.
func (c *fakeConn) expectSilence(t *testing.T, d time.Duration, allowHeartbeat bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case text := <-c.out:
			var m map[string]any
			_ = json.Unmarshal([]byte(text), &m)
			if allowHeartbeat && m["notification"] == NotifyHeartbeat {
				continue
			}
			t.Fatalf("conn %s: unexpected message %s", c.id, text)
		case <-deadline:
			return
		}
	}
}

// fakeDevice is a scripted Device.
type fakeDevice struct {
	mu            sync.Mutex
	pilotCount    int
	pilotCountErr error
	freqs         map[int]int
	trigger       int
	minLap        int
	rssi          int
	calls         []string
	frames        chan []byte
	startErr      error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{pilotCount: 2, freqs: map[int]int{0: 5658, 1: 5695}, trigger: 100, rssi: 40}
}

func (d *fakeDevice) record(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

func (d *fakeDevice) count(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (d *fakeDevice) PilotCount(ctx context.Context) (int, error) {
	d.record("pilot_count")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pilotCount, d.pilotCountErr
}

func (d *fakeDevice) PilotFrequency(ctx context.Context, index int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.freqs[index]
	if !ok {
		return 0, errors.New("no such pilot")
	}
	return f, nil
}

func (d *fakeDevice) SetPilotFrequency(ctx context.Context, index, freqMHz int) error {
	d.record("set_frequency %d %d", index, freqMHz)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freqs[index] = freqMHz
	return nil
}

func (d *fakeDevice) TriggerRSSI(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trigger, nil
}

func (d *fakeDevice) SetTriggerRSSI(ctx context.Context, value int) error {
	d.record("set_trigger %d", value)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trigger = value
	return nil
}

func (d *fakeDevice) SetMinLapTime(ctx context.Context, seconds int) error {
	d.record("set_min_lap %d", seconds)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minLap = seconds
	return nil
}

func (d *fakeDevice) RSSI(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi, nil
}

func (d *fakeDevice) ActivateVRX(ctx context.Context) (device.VRXReading, error) {
	d.record("activate_vrx")
	return device.VRXReading{Code: "C1", RSSI: 40}, nil
}

func (d *fakeDevice) StartRace(ctx context.Context, mode device.RaceMode) (*race.Session, error) {
	d.record("start_race %d", mode)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	frames := make(chan []byte, 16)
	d.frames = frames
	return race.NewSession(frames, nil), nil
}

func (d *fakeDevice) StopRace(ctx context.Context) error {
	d.record("stop_race")
	return nil
}

// lap pushes a lap frame into the current race session.
func (d *fakeDevice) lap(text string) {
	d.mu.Lock()
	frames := d.frames
	d.mu.Unlock()
	frames <- []byte(text)
}

func startServer(t *testing.T, dev Device, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, dev)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// quietConfig keeps heartbeats out of tests that do not look at them.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatDelay = time.Hour
	return cfg
}

// fastConfig makes heartbeats observable within a test.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatDelay = 5 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond
	return cfg
}
