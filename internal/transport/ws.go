// Package transport accepts WebSocket connections and pumps frames between
// clients and the router.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/gorc"
	"github.com/nimbusgames/nimbus/internal/router"
	"github.com/nimbusgames/nimbus/internal/security"
	"github.com/nimbusgames/nimbus/internal/types"
)

const (
	// writeWait bounds a single frame write to a slow peer.
	writeWait = 5 * time.Second

	// pongWait is how long a silent peer survives before the read deadline
	// fires.
	pongWait = 30 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferDepth is the per-connection outbound channel depth. Overflow
	// drops the newest frame.
	sendBufferDepth = 2048

	// slowClientStrikes is how many consecutive dropped sends disconnect a
	// client.
	slowClientStrikes = 3
)

// Config tunes the accept path.
type Config struct {
	MaxConnections int
	BannedAddrs    map[string]struct{}
}

// Server is the WebSocket transport. It owns the per-connection pumps and
// exposes each connection to the rest of the system as a connection.Sink.
type Server struct {
	log     zerolog.Logger
	cfg     Config
	conns   *connection.Manager
	router  *router.Router
	bus     *events.Bus
	engine  *gorc.Engine
	gorcMgr *gorc.Manager
	groups  *gorc.GroupManager
	limiter *security.RateLimiter

	shuttingDown atomic.Bool
	active       sync.WaitGroup
}

// NewServer wires the transport to its collaborators.
func NewServer(
	log zerolog.Logger,
	cfg Config,
	conns *connection.Manager,
	rt *router.Router,
	bus *events.Bus,
	engine *gorc.Engine,
	gorcMgr *gorc.Manager,
	groups *gorc.GroupManager,
	limiter *security.RateLimiter,
) *Server {
	return &Server{
		log:     log.With().Str("component", "transport").Logger(),
		cfg:     cfg,
		conns:   conns,
		router:  rt,
		bus:     bus,
		engine:  engine,
		gorcMgr: gorcMgr,
		groups:  groups,
		limiter: limiter,
	}
}

// BeginShutdown makes the accept handler reject new upgrades.
func (s *Server) BeginShutdown() { s.shuttingDown.Store(true) }

// Wait blocks until every connection pump has exited.
func (s *Server) Wait() { s.active.Wait() }

// clientSink is the outbound endpoint for one connection: a bounded channel
// drained by the write pump. Full buffer drops the newest frame.
type clientSink struct {
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	reason    atomic.Pointer[string]
	strikes   atomic.Int32
}

func newClientSink() *clientSink {
	return &clientSink{
		send:   make(chan []byte, sendBufferDepth),
		closed: make(chan struct{}),
	}
}

func (c *clientSink) Send(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		c.strikes.Store(0)
		return nil
	default:
		outboundDropped.Inc()
		if c.strikes.Add(1) >= slowClientStrikes {
			reason := "client too slow to process messages"
			c.reason.Store(&reason)
			c.close()
			slowClientDisconnects.Inc()
		}
		return connection.ErrNotConnected
	}
}

func (c *clientSink) Close(reason string) {
	c.reason.Store(&reason)
	c.close()
}

func (c *clientSink) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// HandleWS is the /ws HTTP handler: admission checks, upgrade, registration,
// then the read and write pumps.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if _, banned := s.cfg.BannedAddrs[host]; banned {
		connectionsRejected.WithLabelValues("banned").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.cfg.MaxConnections > 0 && s.conns.Count() >= s.cfg.MaxConnections {
		connectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil && !s.limiter.AcquireConnection(host) {
		connectionsRejected.WithLabelValues("per_addr_limit").Inc()
		http.Error(w, "too many connections from address", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		if s.limiter != nil {
			s.limiter.ReleaseConnection(host)
		}
		connectionsRejected.WithLabelValues("upgrade").Inc()
		s.log.Debug().Str("remote_addr", r.RemoteAddr).Err(err).Msg("websocket upgrade failed")
		return
	}

	sink := newClientSink()
	connID := s.conns.Add(r.RemoteAddr, sink)
	playerID := types.NewPlayerID()
	s.conns.AssignPlayer(connID, playerID)
	s.engine.AddPlayer(playerID)

	connectionsTotal.Inc()
	connectionsCurrent.Inc()

	// connCtx cancels in-flight message processing when the connection ends.
	connCtx, cancel := context.WithCancel(context.Background())

	if err := s.bus.Emit(connCtx, events.CoreKey("player_connected"), events.PlayerConnectedEvent{
		PlayerID:     playerID,
		ConnectionID: connID,
		RemoteAddr:   r.RemoteAddr,
		Timestamp:    time.Now().UnixMilli(),
	}); err != nil {
		s.log.Debug().Err(err).Msg("player_connected handlers reported errors")
	}

	s.active.Add(2)
	go s.writePump(conn, sink, connID)
	go s.readPump(connCtx, cancel, conn, sink, connID, playerID, host)
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn net.Conn, sink *clientSink, connID types.ConnectionID, playerID types.PlayerID, host string) {
	defer s.active.Done()
	defer func() {
		cancel()
		sink.close()
		_ = conn.Close()
		s.conns.Remove(connID)
		s.engine.RemovePlayer(playerID)
		s.gorcMgr.RemovePlayer(playerID)
		if s.groups != nil {
			s.groups.RemovePlayer(playerID)
		}
		if s.limiter != nil {
			s.limiter.ReleaseConnection(host)
		}
		connectionsCurrent.Dec()

		if err := s.bus.Emit(context.Background(), events.CoreKey("player_disconnected"), events.PlayerDisconnectedEvent{
			PlayerID:     playerID,
			ConnectionID: connID,
			Reason:       "client_disconnect",
			Timestamp:    time.Now().UnixMilli(),
		}); err != nil && !errors.Is(err, events.ErrShuttingDown) {
			s.log.Debug().Err(err).Msg("player_disconnected handlers reported errors")
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		select {
		case <-sink.closed:
			return
		default:
		}

		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.log.Debug().Int64("connection_id", int64(connID)).Err(err).Msg("client read ended")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			messagesReceived.Inc()
			bytesReceived.Add(float64(len(msg)))

			if s.limiter != nil && !s.limiter.Check(host) {
				rateLimitedMessages.Inc()
				s.sendError(sink, "RATE_LIMIT_EXCEEDED", "too many messages, slow down")
				continue
			}
			if err := s.router.Dispatch(ctx, connID, msg); err != nil {
				s.log.Debug().Int64("connection_id", int64(connID)).Err(err).Msg("message dropped")
			}
		case ws.OpPing:
			// wsutil answers pings during reads.
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(conn net.Conn, sink *clientSink, connID types.ConnectionID) {
	defer s.active.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sink.close()
		_ = conn.Close()
	}()

	for {
		select {
		case <-sink.closed:
			reason := ""
			if r := sink.reason.Load(); r != nil {
				reason = *r
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
			return

		case message := <-sink.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpText, message); err != nil {
				s.log.Debug().Int64("connection_id", int64(connID)).Err(err).Msg("client write failed")
				return
			}
			messagesSent.Inc()
			bytesSent.Add(float64(len(message)))

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(sink *clientSink, code, message string) {
	payload := []byte(`{"type":"error","code":"` + code + `","message":"` + message + `"}`)
	_ = sink.Send(payload)
}
