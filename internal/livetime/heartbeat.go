package livetime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ensureHeartbeat ends any race on conn, then arms its heartbeat unless one
// is already scheduled.
func (s *Server) ensureHeartbeat(conn Conn) {
	s.mu.Lock()
	a := s.lookup(conn)
	if a == nil {
		s.mu.Unlock()
		return
	}
	run := a.race
	a.race = nil
	s.mu.Unlock()

	if run != nil {
		s.endRace(run)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(conn) != a || a.heartbeat != nil || s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	a.heartbeat = t
	s.wg.Add(1)
	go s.runHeartbeat(ctx, conn, t)
	log.Debug().Str("conn", conn.ID()).Msg("livetime: heartbeat armed")
}

// stopHeartbeat cancels the heartbeat on conn and waits for an in-flight tick.
func (s *Server) stopHeartbeat(conn Conn) {
	s.mu.Lock()
	a := s.lookup(conn)
	var t *task
	if a != nil {
		t, a.heartbeat = a.heartbeat, nil
	}
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (s *Server) runHeartbeat(ctx context.Context, conn Conn, t *task) {
	defer s.wg.Done()
	defer close(t.done)

	timer := time.NewTimer(s.cfg.HeartbeatDelay)
	defer timer.Stop()
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if first {
			first = false
			if _, err := s.dev.ActivateVRX(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Str("conn", conn.ID()).Err(err).Msg("livetime: activate vrx")
			}
		}
		err := s.beat(ctx, conn)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrConnClosed):
			s.dropHeartbeat(conn, t)
			return
		case err != nil:
			log.Warn().Str("conn", conn.ID()).Err(err).Msg("livetime: heartbeat")
		}
		timer.Reset(s.cfg.HeartbeatInterval)
	}
}

// beat sends one heartbeat: one slot per configured pilot, the live reading
// in slot 0 and 0 elsewhere.
func (s *Server) beat(ctx context.Context, conn Conn) error {
	count, err := s.dev.PilotCount(ctx)
	if err != nil || count < 1 {
		count = 1
	}
	rssi, err := s.dev.RSSI(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	values := make([]int, count)
	values[0] = rssi
	return s.notify(conn, NotifyHeartbeat, heartbeatData{CurrentRSSI: values})
}

func (s *Server) dropHeartbeat(conn Conn, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.lookup(conn); a != nil && a.heartbeat == t {
		a.heartbeat = nil
	}
	t.cancel()
}
