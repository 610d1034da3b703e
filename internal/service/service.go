// Package service runs the bridge process: it connects the transponder link,
// hosts the live timing server and supervises both until shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/device/bluez"
	"github.com/danmuck/racectl/internal/device/hci"
	"github.com/danmuck/racectl/internal/device/sim"
	"github.com/danmuck/racectl/internal/livetime"
	"github.com/danmuck/racectl/internal/netaddr"
	"github.com/danmuck/racectl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Backend selects the device.Link implementation.
type Backend string

const (
	BackendBlueZ Backend = "bluez"
	BackendHCI   Backend = "hci"
	BackendSim   Backend = "sim"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendBlueZ, BackendHCI, BackendSim:
		return true
	}
	return false
}

var (
	ErrUnknownBackend   = errors.New("service: unknown device backend")
	ErrConnectExhausted = errors.New("service: device connect attempts exhausted")
)

type DeviceConfig struct {
	Backend Backend
	BlueZ   bluez.Config
	HCI     hci.Config
	Sim     sim.Config
	Engine  device.Options
	// ConnectAttempts bounds one connect cycle. Zero retries until cancelled.
	ConnectAttempts int
	Backoff         Backoff
}

type Config struct {
	Server livetime.Config
	Device DeviceConfig
	// StatusInterval is the period of the status log line. Zero disables it.
	StatusInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Server: livetime.DefaultConfig(),
		Device: DeviceConfig{
			Backend:         BackendBlueZ,
			BlueZ:           bluez.Config{}.WithDefaults(),
			HCI:             hci.Config{}.WithDefaults(),
			Sim:             sim.DefaultConfig(),
			Engine:          device.DefaultOptions(),
			ConnectAttempts: 5,
			Backoff:         DefaultBackoff(),
		},
		StatusInterval: 30 * time.Second,
	}
}

// OpenLink builds the configured backend. The link is not connected.
func OpenLink(cfg DeviceConfig) (device.Link, error) {
	switch cfg.Backend {
	case BackendBlueZ:
		return bluez.New(cfg.BlueZ), nil
	case BackendHCI:
		return hci.New(cfg.HCI), nil
	case BackendSim:
		return sim.New(cfg.Sim), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Connect opens the engine's link, backing off between failed attempts.
func Connect(ctx context.Context, e *device.Engine, cfg DeviceConfig) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		err := e.Connect(ctx)
		observability.RecordConnectAttempt(err)
		if err == nil {
			log.Info().Int("attempt", attempt).Str("backend", string(cfg.Backend)).Msg("device link connected")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.ConnectAttempts > 0 && attempt >= cfg.ConnectAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, attempt, err)
		}
		delay := cfg.Backoff.Delay(attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("device connect failed")
		if err := waitBackoff(ctx, delay); err != nil {
			return err
		}
	}
}

// Service owns one device link and the live timing server bound to it.
type Service struct {
	cfg    Config
	engine *device.Engine
	server *livetime.Server
}

func New(cfg Config) (*Service, error) {
	link, err := OpenLink(cfg.Device)
	if err != nil {
		return nil, err
	}
	return NewWithLink(cfg, link), nil
}

func NewWithLink(cfg Config, link device.Link) *Service {
	engine := device.NewEngine(link, cfg.Device.Engine)
	return &Service{
		cfg:    cfg,
		engine: engine,
		server: livetime.NewServer(cfg.Server, engine),
	}
}

func (s *Service) Engine() *device.Engine {
	return s.engine
}

func (s *Service) Server() *livetime.Server {
	return s.server
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve connects the device, starts the server and supervises the link until
// ctx ends. A dropped link is reconnected; a failed reconnect cycle ends Serve
// with its error.
func (s *Service) Serve(ctx context.Context) error {
	linkStates, unsubLink := s.engine.States()
	defer unsubLink()
	serverStates, unsubServer := s.server.ObserveState()
	defer unsubServer()

	if err := Connect(ctx, s.engine, s.cfg.Device); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := s.server.Start(); err != nil {
		_ = s.engine.Disconnect()
		return err
	}
	defer s.shutdown()
	s.advertise()

	var tick <-chan time.Time
	if s.cfg.StatusInterval > 0 {
		ticker := time.NewTicker(s.cfg.StatusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	reconnect := make(chan error, 1)
	reconnecting := false
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("service shutdown")
			return nil
		case st, ok := <-linkStates:
			if !ok {
				linkStates = nil
				continue
			}
			log.Info().Str("state", string(st)).Msg("device link state")
			observability.SetLinkConnected(st == device.StateConnected)
			// States queued during a failed attempt can arrive after a later
			// success, so the link is asked for its current state.
			if st == device.StateDisconnected && !reconnecting && s.engine.State() == device.StateDisconnected {
				reconnecting = true
				go func() {
					reconnect <- Connect(ctx, s.engine, s.cfg.Device)
				}()
			}
		case err := <-reconnect:
			reconnecting = false
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case st, ok := <-serverStates:
			if !ok {
				serverStates = nil
				continue
			}
			log.Debug().Str("state", st.String()).Msg("livetime server state")
		case <-tick:
			log.Info().
				Str("link", string(s.engine.State())).
				Str("server", s.server.State().String()).
				Msg("service status")
		}
	}
}

func (s *Service) shutdown() {
	s.server.Stop()
	if err := s.engine.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("device disconnect")
	}
	observability.SetLinkConnected(false)
}

func (s *Service) advertise() {
	addr := s.server.Addr()
	if addr == nil {
		return
	}
	ip, err := netaddr.PrimaryIPv4()
	if err != nil {
		log.Warn().Err(err).Str("listen", addr.String()).Msg("no address to advertise")
		return
	}
	url, err := netaddr.WebSocketURL(ip, addr.String())
	if err != nil {
		log.Warn().Err(err).Str("listen", addr.String()).Msg("no address to advertise")
		return
	}
	log.Info().Str("url", url).Msg("live timing available")
}
