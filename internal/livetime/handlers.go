package livetime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/racectl/internal/observability"
	"github.com/rs/zerolog/log"
)

// OnMessage handles one inbound message to completion. The hosting transport
// calls it sequentially per connection.
func (s *Server) OnMessage(conn Conn, text string) {
	req, err := decodeRequest(text)
	if err != nil {
		log.Error().Str("conn", conn.ID()).Err(err).Str("message", text).Msg("livetime: dropped message")
		return
	}
	log.Debug().Str("conn", conn.ID()).Str("kind", req.requestKind()).Msg("livetime: message")

	switch r := req.(type) {
	case getRequest:
		s.handleGet(conn, r.Action)
	case setFrequencyRequest:
		s.handleSetFrequency(conn, r)
	case startRaceRequest:
		s.startRace(conn)
	case updateSettingsRequest:
		s.handleUpdateSettings(conn, r)
	}
}

func (s *Server) handleGet(conn Conn, action string) {
	var reply any
	switch action {
	case ActionVersion:
		s.ensureHeartbeat(conn)
		reply = versionResponse{Major: ProtocolMajor, Minor: ProtocolMinor}
	case ActionSettings:
		s.ensureHeartbeat(conn)
		reply = s.settings(s.lifetime())
	case ActionTimestamp:
		reply = timestampResponse{Timestamp: s.raceTimestamp()}
	default:
		log.Debug().Str("conn", conn.ID()).Str("action", action).Msg("livetime: unknown get action")
		return
	}
	s.reply(conn, reply)
}

// settings reads the device configuration. Individual read failures fall back
// to 0 so the client always gets a response.
func (s *Server) settings(ctx context.Context) settingsResponse {
	s.mu.Lock()
	resp := settingsResponse{
		Nodes:                []nodeSettings{},
		CalibrationThreshold: s.calThresh,
		CalibrationOffset:    s.calOffset,
	}
	s.mu.Unlock()

	trigger, err := s.dev.TriggerRSSI(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("livetime: settings trigger rssi")
		trigger = 0
	}
	resp.TriggerThreshold = trigger

	count, err := s.dev.PilotCount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("livetime: settings pilot count")
		return resp
	}
	for i := 0; i < count; i++ {
		freq, err := s.dev.PilotFrequency(ctx, i)
		if err != nil {
			log.Warn().Int("pilot", i).Err(err).Msg("livetime: settings pilot frequency")
			freq = 0
		}
		resp.Nodes = append(resp.Nodes, nodeSettings{Frequency: freq, TriggerRSSI: trigger})
	}
	return resp
}

// raceTimestamp is milliseconds since the current race started, 0 before
// any race.
func (s *Server) raceTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raceStart.IsZero() {
		return 0
	}
	return time.Since(s.raceStart).Milliseconds()
}

func (s *Server) handleSetFrequency(conn Conn, r setFrequencyRequest) {
	s.ensureHeartbeat(conn)
	if err := s.dev.SetPilotFrequency(s.lifetime(), r.Node, r.Frequency); err != nil {
		log.Error().Str("conn", conn.ID()).Int("node", r.Node).Int("frequency", r.Frequency).Err(err).Msg("livetime: set frequency")
		return
	}
	if err := s.notify(conn, NotifyFrequencySet, r); err != nil {
		log.Warn().Str("conn", conn.ID()).Err(err).Msg("livetime: send frequency_set")
	}
}

func (s *Server) handleUpdateSettings(conn Conn, r updateSettingsRequest) {
	s.ensureHeartbeat(conn)
	ctx := s.lifetime()

	s.mu.Lock()
	if r.CalibrationThreshold != nil {
		s.calThresh = *r.CalibrationThreshold
	}
	if r.CalibrationOffset != nil {
		s.calOffset = *r.CalibrationOffset
	}
	s.mu.Unlock()

	if r.MinimumLapTime != nil {
		if err := s.dev.SetMinLapTime(ctx, *r.MinimumLapTime); err != nil {
			log.Error().Str("conn", conn.ID()).Err(err).Msg("livetime: set minimum lap time")
		}
	}
	if r.TriggerThreshold == nil {
		return
	}
	if err := s.dev.SetTriggerRSSI(ctx, *r.TriggerThreshold); err != nil {
		log.Error().Str("conn", conn.ID()).Err(err).Msg("livetime: set trigger threshold")
		return
	}
	if err := s.notify(conn, NotifyTriggerThreshold, triggerThresholdSet{TriggerThreshold: *r.TriggerThreshold}); err != nil {
		log.Warn().Str("conn", conn.ID()).Err(err).Msg("livetime: send trigger_threshold_set")
	}
}

func (s *Server) reply(conn Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("livetime: encode reply")
		return
	}
	if err := conn.Send(string(b)); err != nil {
		log.Warn().Str("conn", conn.ID()).Err(err).Msg("livetime: send reply")
	}
}

// notify sends a notification envelope and returns the send error.
func (s *Server) notify(conn Conn, kind string, data any) error {
	b, err := json.Marshal(notification{Notification: kind, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", kind).Msg("livetime: encode notification")
		return err
	}
	if err := conn.Send(string(b)); err != nil {
		return err
	}
	observability.RecordNotification(kind)
	return nil
}
