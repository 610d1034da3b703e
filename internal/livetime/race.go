package livetime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// startRace replaces the heartbeat on conn with a new race and forwards its
// laps as pass_record notifications. The device runs one race at a time, so
// whichever connection held the prior race goes back to heartbeats.
func (s *Server) startRace(conn Conn) {
	s.stopHeartbeat(conn)

	s.mu.Lock()
	a := s.lookup(conn)
	if a == nil {
		s.mu.Unlock()
		return
	}
	prior := s.takeRaceLocked()
	s.mu.Unlock()
	if prior != nil {
		prior.session.Stop()
		s.stopDevice()
		if prior.conn.ID() != conn.ID() {
			s.ensureHeartbeat(prior.conn)
		}
	}

	session, err := s.dev.StartRace(s.lifetime(), s.cfg.RaceMode)
	if err != nil {
		log.Error().Str("conn", conn.ID()).Err(err).Msg("livetime: start race")
		s.ensureHeartbeat(conn)
		return
	}
	run := &raceRun{session: session, conn: conn}

	s.mu.Lock()
	if s.lookup(conn) != a || s.httpSrv == nil {
		s.mu.Unlock()
		run.session.Stop()
		s.stopDevice()
		return
	}
	// another connection may have started a race while this one was starting
	displaced := s.takeRaceLocked()
	a.race = run
	s.active = run
	s.raceStart = time.Now()
	s.wg.Add(1)
	go s.forwardLaps(conn, run)
	s.mu.Unlock()
	if displaced != nil {
		displaced.session.Stop()
		if displaced.conn.ID() != conn.ID() {
			s.ensureHeartbeat(displaced.conn)
		}
	}
	log.Info().Str("conn", conn.ID()).Int("mode", int(s.cfg.RaceMode)).Msg("livetime: race started")
}

// takeRaceLocked releases the device race from its owner and returns it.
func (s *Server) takeRaceLocked() *raceRun {
	run := s.active
	if run == nil {
		return nil
	}
	s.active = nil
	if o := s.lookup(run.conn); o != nil && o.race == run {
		o.race = nil
	}
	return run
}

func (s *Server) forwardLaps(conn Conn, run *raceRun) {
	defer s.wg.Done()
	ctx := s.lifetime()
	for ev := range run.session.Events() {
		freq, err := s.dev.PilotFrequency(ctx, ev.PilotIndex)
		if err != nil {
			log.Warn().Int("pilot", ev.PilotIndex).Err(err).Msg("livetime: pass frequency")
			freq = 0
		}
		rec := passRecord{Timestamp: ev.TimestampMillis, Node: ev.PilotIndex, Frequency: freq}
		if err := s.notify(conn, NotifyPassRecord, rec); err != nil {
			if errors.Is(err, ErrConnClosed) {
				return
			}
			log.Warn().Str("conn", conn.ID()).Err(err).Msg("livetime: send pass_record")
		}
	}

	// The stream also ends when the device link drops.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == run {
		s.active = nil
	}
	if a := s.lookup(conn); a != nil && a.race == run {
		a.race = nil
		log.Warn().Str("conn", conn.ID()).Msg("livetime: race stream ended")
	}
}

// endRace stops run's lap stream. The device is told to stop only while run
// still owns the device race.
func (s *Server) endRace(run *raceRun) {
	run.session.Stop()
	s.mu.Lock()
	owned := s.active == run
	if owned {
		s.active = nil
	}
	s.mu.Unlock()
	if owned {
		s.stopDevice()
	}
}

func (s *Server) stopDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.dev.StopRace(ctx); err != nil {
		log.Warn().Err(err).Msg("livetime: stop race")
		return
	}
	log.Info().Msg("livetime: race stopped")
}
