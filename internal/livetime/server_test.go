package livetime

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/racectl/internal/testutil/testlog"
)

func TestServerStateSequence(t *testing.T) {
	testlog.Start(t)
	s := NewServer(Config{Addr: "127.0.0.1:0", HeartbeatDelay: time.Hour}, newFakeDevice())
	states, cancel := s.ObserveState()
	defer cancel()

	if s.State() != StateStopped {
		t.Fatalf("new server state=%s", s.State())
	}
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	var got []ServerState
	step := func(f func()) {
		f()
		got = append(got, s.State())
	}
	step(func() {
		if err := s.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
	})
	step(func() { s.OnOpen(c1) })
	step(func() { s.OnOpen(c2) })
	step(func() { s.OnClose(c1) })
	step(func() { s.OnClose(c2) })
	step(s.Stop)

	want := []ServerState{StateStarted, StateConnected, StateConnected, StateConnected, StateStarted, StateStopped}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence=%v want %v", got, want)
		}
	}

	wantTransitions := []ServerState{StateStarted, StateConnected, StateStarted, StateStopped}
	for _, w := range wantTransitions {
		select {
		case st := <-states:
			if st != w {
				t.Fatalf("observed %s want %s", st, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing transition to %s", w)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	testlog.Start(t)
	s := NewServer(Config{Addr: "127.0.0.1:0"}, newFakeDevice())
	s.Stop()
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	s.Stop()
	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("state=%s", s.State())
	}
	// restart after stop
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

func TestGetVersion(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, newFakeDevice(), quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)
	s.OnMessage(c, ActionVersion)
	m := c.next(t, "version")
	if m["major"] != float64(0) || m["minor"] != float64(1) {
		t.Fatalf("unexpected version reply %v", m)
	}
}

func TestGetSettings(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, `{"calibration_threshold": 7, "calibration_offset": 3}`)
	s.OnMessage(c, ActionSettings)
	m := c.next(t, "settings")
	nodes, ok := m["nodes"].([]any)
	if !ok || len(nodes) != 2 {
		t.Fatalf("unexpected nodes %v", m["nodes"])
	}
	first := nodes[0].(map[string]any)
	if first["frequency"] != float64(5658) || first["trigger_rssi"] != float64(100) {
		t.Fatalf("unexpected node %v", first)
	}
	if m["trigger_threshold"] != float64(100) || m["calibration_threshold"] != float64(7) || m["calibration_offset"] != float64(3) {
		t.Fatalf("unexpected settings %v", m)
	}
}

func TestGetSettingsPilotCountFailure(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	dev.pilotCountErr = errors.New("device: expected response not received")
	s := startServer(t, dev, quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, ActionSettings)
	m := c.next(t, "settings")
	nodes, ok := m["nodes"].([]any)
	if !ok || len(nodes) != 0 {
		t.Fatalf("expected empty nodes array, got %#v", m["nodes"])
	}
}

func TestGetTimestamp(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, newFakeDevice(), quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, ActionTimestamp)
	if m := c.next(t, "timestamp"); m["timestamp"] != float64(0) {
		t.Fatalf("expected 0 before any race, got %v", m)
	}
	s.OnMessage(c, `{"node": -1}`)
	time.Sleep(20 * time.Millisecond)
	s.OnMessage(c, ActionTimestamp)
	if m := c.next(t, "timestamp"); m["timestamp"].(float64) < 20 {
		t.Fatalf("expected race relative timestamp, got %v", m)
	}
}

func TestUnrecognizedMessagesGetNoReply(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, newFakeDevice(), quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, "get_everything")
	s.OnMessage(c, `{"node": 1, "frequency":`)
	s.OnMessage(c, `{"node": 1}`)
	s.OnMessage(c, "")
	c.expectSilence(t, 50*time.Millisecond, false)

	// the connection is still usable
	s.OnMessage(c, ActionVersion)
	c.next(t, "version")
}

func TestSetFrequencyEchoes(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, `{"node": 2, "frequency": 5800}`)
	m := c.next(t, NotifyFrequencySet)
	data := m["data"].(map[string]any)
	if m["notification"] != NotifyFrequencySet || data["node"] != float64(2) || data["frequency"] != float64(5800) {
		t.Fatalf("unexpected reply %v", m)
	}
	if dev.count("set_frequency 2 5800") != 1 {
		t.Fatalf("device not updated: %v", dev.calls)
	}
}

func TestUpdateSettingsForwardsKnownKeys(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, `{"trigger_threshold": 90, "minimum_lap_time": 12}`)
	m := c.next(t, NotifyTriggerThreshold)
	if m["notification"] != NotifyTriggerThreshold {
		t.Fatalf("unexpected reply %v", m)
	}
	if dev.count("set_trigger 90") != 1 || dev.count("set_min_lap 12") != 1 {
		t.Fatalf("settings not forwarded: %v", dev.calls)
	}

	s.OnMessage(c, `{"minimum_lap_time": 4}`)
	c.expectSilence(t, 50*time.Millisecond, false)
	if dev.count("set_min_lap 4") != 1 {
		t.Fatalf("minimum lap time not forwarded: %v", dev.calls)
	}
}

func TestHeartbeatActivatesVRXAndSizesSlots(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	dev.pilotCount = 3
	s := startServer(t, dev, fastConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	for i := 0; i < 3; i++ {
		m := c.next(t, NotifyHeartbeat)
		rssi := m["data"].(map[string]any)["current_rssi"].([]any)
		if len(rssi) != 3 || rssi[0] != float64(40) || rssi[1] != float64(0) {
			t.Fatalf("unexpected heartbeat %v", m)
		}
	}
	if n := dev.count("activate_vrx"); n != 1 {
		t.Fatalf("activate vrx called %d times", n)
	}
}

func TestHeartbeatSingleSlotWithoutPilots(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	dev.pilotCount = 0
	s := startServer(t, dev, fastConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	m := c.next(t, NotifyHeartbeat)
	if rssi := m["data"].(map[string]any)["current_rssi"].([]any); len(rssi) != 1 {
		t.Fatalf("expected one slot, got %v", rssi)
	}
}

func TestHeartbeatStopsWhenConnectionCloses(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, newFakeDevice(), fastConfig())
	c := newFakeConn("c")
	s.OnOpen(c)
	c.next(t, NotifyHeartbeat)
	_ = c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		hb := s.conns["c"].heartbeat
		s.mu.Unlock()
		if hb == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat still scheduled on a closed connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRaceExcludesHeartbeat(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, fastConfig())
	c := newFakeConn("c")
	s.OnOpen(c)
	c.next(t, NotifyHeartbeat)

	s.OnMessage(c, `{"node": -1}`)
	// drain anything sent before the heartbeat was cancelled
	for len(c.out) > 0 {
		<-c.out
	}
	c.expectSilence(t, 60*time.Millisecond, false)

	dev.lap("P2R1T1500,3000")
	m := c.next(t, NotifyPassRecord)
	data := m["data"].(map[string]any)
	if data["node"] != float64(1) || data["timestamp"] != float64(3000) || data["frequency"] != float64(5695) {
		t.Fatalf("unexpected pass record %v", m)
	}

	// any other message ends the race and brings the heartbeat back
	s.OnMessage(c, ActionVersion)
	c.next(t, "version")
	if dev.count("stop_race") != 1 {
		t.Fatalf("expected one stop_race, calls=%v", dev.calls)
	}
	c.next(t, NotifyHeartbeat)
}

func TestRestartRaceStopsPrior(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, `{"node": -1}`)
	s.OnMessage(c, `{"node": -1}`)
	if dev.count("start_race 2") != 2 || dev.count("stop_race") != 1 {
		t.Fatalf("unexpected calls %v", dev.calls)
	}
}

func TestCloseDuringRaceStopsDevice(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, quietConfig())
	c := newFakeConn("c")
	s.OnOpen(c)
	s.OnMessage(c, `{"node": -1}`)

	s.OnClose(c)
	if dev.count("stop_race") != 1 {
		t.Fatalf("expected stop_race on close, calls=%v", dev.calls)
	}
	if s.State() != StateStarted {
		t.Fatalf("state=%s", s.State())
	}
}

func TestStartRaceFailureRearmsHeartbeat(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	dev.startErr = errors.New("device: expected response not received")
	s := startServer(t, dev, fastConfig())
	c := newFakeConn("c")
	s.OnOpen(c)

	s.OnMessage(c, `{"node": -1}`)
	c.next(t, NotifyHeartbeat)
}

func TestRaceMovesBetweenConnections(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := startServer(t, dev, fastConfig())
	a, b := newFakeConn("a"), newFakeConn("b")
	s.OnOpen(a)
	s.OnOpen(b)

	s.OnMessage(a, `{"node": -1}`)
	s.OnMessage(b, `{"node": -1}`)
	if dev.count("start_race 2") != 2 || dev.count("stop_race") != 1 {
		t.Fatalf("unexpected calls %v", dev.calls)
	}

	// a lost the race and is back on heartbeats
	a.next(t, NotifyHeartbeat)
	s.mu.Lock()
	aRace, bRace := s.conns["a"].race, s.conns["b"].race
	s.mu.Unlock()
	if aRace != nil || bRace == nil {
		t.Fatalf("race owner a=%v b=%v", aRace, bRace)
	}

	dev.lap("P1R1T1500,3000")
	b.next(t, NotifyPassRecord)

	s.OnClose(a)
	if n := dev.count("stop_race"); n != 1 {
		t.Fatalf("closing a connection without the race stopped the device: %d", n)
	}
	s.OnClose(b)
	if n := dev.count("stop_race"); n != 2 {
		t.Fatalf("closing the racing connection sent %d stop_race", n)
	}
}
