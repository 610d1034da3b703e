package livetime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/observability"
	"github.com/danmuck/racectl/internal/race"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the live timing protocol's well-known TCP port.
const DefaultPort = 5001

// Device is the subset of the command engine the server drives.
type Device interface {
	PilotCount(ctx context.Context) (int, error)
	PilotFrequency(ctx context.Context, index int) (int, error)
	SetPilotFrequency(ctx context.Context, index, freqMHz int) error
	TriggerRSSI(ctx context.Context) (int, error)
	SetTriggerRSSI(ctx context.Context, value int) error
	SetMinLapTime(ctx context.Context, seconds int) error
	RSSI(ctx context.Context) (int, error)
	ActivateVRX(ctx context.Context) (device.VRXReading, error)
	StartRace(ctx context.Context, mode device.RaceMode) (*race.Session, error)
	StopRace(ctx context.Context) error
}

var _ Device = (*device.Engine)(nil)

type Config struct {
	Addr              string
	HeartbeatDelay    time.Duration
	HeartbeatInterval time.Duration
	RaceMode          device.RaceMode
	CORSOrigins       []string
	WriteTimeout      time.Duration
	// StopTimeout bounds cleanup commands sent to the device on close/stop.
	StopTimeout time.Duration
	// MetricsToken, when set, is the bearer token /metrics requires.
	MetricsToken string
}

func DefaultConfig() Config {
	return Config{
		Addr:              fmt.Sprintf(":%d", DefaultPort),
		HeartbeatDelay:    5 * time.Second,
		HeartbeatInterval: 2500 * time.Millisecond,
		RaceMode:          device.RaceModeMulti,
		CORSOrigins:       []string{"*"},
		WriteTimeout:      5 * time.Second,
		StopTimeout:       5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.HeartbeatDelay < 0 {
		c.HeartbeatDelay = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if !c.RaceMode.Valid() {
		c.RaceMode = def.RaceMode
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = def.CORSOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	return c
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type raceRun struct {
	session *race.Session
	conn    Conn
}

// attachment is the per-connection record: a heartbeat or a race, never both.
// At most one attachment holds a race, the one in Server.active.
type attachment struct {
	conn      Conn
	heartbeat *task
	race      *raceRun
}

// Server is the live timing protocol handler and its HTTP host.
type Server struct {
	cfg      Config
	dev      Device
	router   *gin.Engine
	upgrader websocket.Upgrader
	states   *device.Feed[ServerState]
	appeared time.Time

	mu        sync.Mutex
	state     ServerState
	conns     map[string]*attachment
	active    *raceRun
	httpSrv   *http.Server
	addr      net.Addr
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	raceStart time.Time
	calThresh int
	calOffset int
}

var _ Handler = (*Server)(nil)

func NewServer(cfg Config, dev Device) *Server {
	cfg = cfg.WithDefaults()
	s := &Server{
		cfg:      cfg,
		dev:      dev,
		states:   device.NewFeed[ServerState]("livetime.state", 8),
		state:    StateStopped,
		conns:    make(map[string]*attachment),
		appeared: time.Now(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.router = s.newRouter()
	return s
}

// Router exposes the gin engine so callers can mount extra routes before Start.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ObserveState subscribes to state transitions.
func (s *Server) ObserveState() (<-chan ServerState, func()) {
	return s.states.Subscribe()
}

// Addr is the bound listener address while started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("livetime: listen %s: %w", s.cfg.Addr, err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.addr = ln.Addr()
	s.active = nil
	s.raceStart = time.Time{}

	srv := s.httpSrv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("livetime: serve failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("livetime: listening")
	s.setStateLocked(StateStarted)
	return nil
}

// Stop closes the listener and every connection, cancels all heartbeats and
// races, and waits for background work to finish. Safe to call repeatedly.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.httpSrv
	if srv == nil {
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return
	}
	s.httpSrv = nil
	conns := s.conns
	s.conns = make(map[string]*attachment)
	cancel := s.cancel
	s.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer done()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("livetime: shutdown")
		_ = srv.Close()
	}
	for _, a := range conns {
		s.detach(a)
		_ = a.conn.Close()
		observability.AddConnections(-1)
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.addr = nil
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
}

func (s *Server) setStateLocked(next ServerState) {
	if s.state == next {
		return
	}
	log.Info().Str("from", s.state.String()).Str("to", next.String()).Msg("livetime: state")
	s.state = next
	s.states.Publish(next)
}

func (s *Server) OnOpen(conn Conn) {
	s.mu.Lock()
	if s.httpSrv == nil {
		s.mu.Unlock()
		log.Warn().Str("conn", conn.ID()).Msg("livetime: connection while stopped")
		_ = conn.Close()
		return
	}
	s.conns[conn.ID()] = &attachment{conn: conn}
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	observability.AddConnections(1)
	log.Info().Str("conn", conn.ID()).Msg("livetime: client connected")
	s.ensureHeartbeat(conn)
}

func (s *Server) OnClose(conn Conn) {
	s.mu.Lock()
	a, ok := s.conns[conn.ID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.ID())
	if len(s.conns) == 0 && s.state == StateConnected {
		s.setStateLocked(StateStarted)
	}
	s.mu.Unlock()

	observability.AddConnections(-1)
	log.Info().Str("conn", conn.ID()).Msg("livetime: client disconnected")
	s.detach(a)
}

func (s *Server) OnError(conn Conn, err error) {
	log.Error().Str("conn", conn.ID()).Err(err).Msg("livetime: connection error")
}

// detach cancels whatever a holds. The caller has already removed a from the
// connection map.
func (s *Server) detach(a *attachment) {
	s.mu.Lock()
	hb, run := a.heartbeat, a.race
	a.heartbeat, a.race = nil, nil
	s.mu.Unlock()
	if hb != nil {
		hb.cancel()
	}
	if run != nil {
		s.endRace(run)
	}
}

func (s *Server) lookup(conn Conn) *attachment {
	return s.conns[conn.ID()]
}

func (s *Server) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
