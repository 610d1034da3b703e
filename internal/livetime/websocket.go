package livetime

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/racectl/internal/auth"
	"github.com/danmuck/racectl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var connSeq atomic.Uint64

// wsConn adapts a gorilla connection to Conn. gorilla allows one concurrent
// writer, so sends are serialized.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           fmt.Sprintf("ws-%d@%s", connSeq.Add(1), ws.RemoteAddr()),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.mu.Unlock()
	return c.ws.Close()
}

func (s *Server) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(corsConfig(s.cfg.CORSOrigins)))

	r.GET("/", s.serveWS)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"state":   s.State().String(),
			"uptime":  time.Since(s.appeared).String(),
			"version": fmt.Sprintf("%d.%d", ProtocolMajor, ProtocolMinor),
		})
	})
	metrics := []gin.HandlerFunc{gin.WrapH(promhttp.Handler())}
	if s.cfg.MetricsToken != "" {
		metrics = append([]gin.HandlerFunc{auth.RequireBearer(auth.StaticToken{Token: s.cfg.MetricsToken})}, metrics...)
	}
	r.GET("/metrics", metrics...)
	return r
}

// serveWS hosts one client: it reads messages in order and hands each to
// OnMessage before reading the next.
func (s *Server) serveWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("livetime: websocket upgrade")
		return
	}
	conn := newWSConn(ws, s.cfg.WriteTimeout)
	s.OnOpen(conn)
	defer func() {
		s.OnClose(conn)
		_ = conn.Close()
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.OnError(conn, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.OnMessage(conn, string(data))
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowAll(s.cfg.CORSOrigins) {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:    []string{"GET"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		AllowWebSockets: true,
		MaxAge:          12 * time.Hour,
	}
	if allowAll(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func allowAll(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
