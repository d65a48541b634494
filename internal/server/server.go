// Package server wires every subsystem together and owns the process
// lifecycle: accept, tick, and two-phase shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nimbusgames/nimbus/internal/bridge"
	"github.com/nimbusgames/nimbus/internal/config"
	"github.com/nimbusgames/nimbus/internal/connection"
	"github.com/nimbusgames/nimbus/internal/events"
	"github.com/nimbusgames/nimbus/internal/gorc"
	"github.com/nimbusgames/nimbus/internal/health"
	"github.com/nimbusgames/nimbus/internal/logging"
	"github.com/nimbusgames/nimbus/internal/plugins"
	"github.com/nimbusgames/nimbus/internal/plugins/builtin"
	"github.com/nimbusgames/nimbus/internal/router"
	"github.com/nimbusgames/nimbus/internal/security"
	"github.com/nimbusgames/nimbus/internal/spatial"
	"github.com/nimbusgames/nimbus/internal/transport"
	"github.com/nimbusgames/nimbus/internal/types"
)

// drainDeadline bounds phase two of shutdown.
const drainDeadline = 10 * time.Second

// Server is the assembled game server.
type Server struct {
	cfg config.Config
	log zerolog.Logger

	bus       *events.Bus
	index     *spatial.Index
	gorcMgr   *gorc.Manager
	groups    *gorc.GroupManager
	engine    *gorc.Engine
	conns     *connection.Manager
	router    *router.Router
	limiter   *security.RateLimiter
	plugins   *plugins.Manager
	collector *health.Collector
	probe     *health.Probe
	ws        *transport.Server
	bridge    *bridge.Bridge

	shutdown *ShutdownState
	httpSrv  *http.Server
	listener net.Listener
}

// New builds the server from configuration. Nothing is listening yet; Run
// starts the loops.
func New(cfg config.Config, log zerolog.Logger) (*Server, error) {
	bus := events.NewBus(log)
	index := spatial.NewIndex()
	conns := connection.NewManager(log)

	gorcMgr := gorc.NewManager(log, index, gorc.ZoneSinkFunc(func(player types.PlayerID, ev gorc.ZoneEvent) {
		data, err := gorc.MarshalZoneEvent(ev)
		if err != nil {
			return
		}
		if err := conns.SendToPlayer(player, data); err != nil {
			log.Debug().Str("player", player.String()).Err(err).Msg("zone notification dropped")
		}
	}))

	engine := gorc.NewEngine(
		log,
		gorc.DefaultEngineConfig(),
		gorcMgr,
		gorc.TransportFunc(conns.SendToPlayer),
		bus,
	)

	groups := gorc.NewGroupManager(log, gorc.TransportFunc(conns.SendToPlayer))

	rt := router.New(log, bus, conns, gorcMgr, cfg.Security.Validation)

	var limiter *security.RateLimiter
	if cfg.Security.EnableRateLimiting {
		limiter = security.NewRateLimiter(cfg.RateLimiterConfig())
	}

	banned := map[string]struct{}{}
	for _, addr := range cfg.Security.BannedAddrs {
		banned[addr] = struct{}{}
	}
	ws := transport.NewServer(log, transport.Config{
		MaxConnections: cfg.MaxConnections,
		BannedAddrs:    banned,
	}, conns, rt, bus, engine, gorcMgr, groups, limiter)

	hostCtx := &plugins.Context{
		Bus:         bus,
		Sender:      conns,
		Connections: conns,
		Log:         log,
		RegionID:    regionID(cfg.RegionBounds),
		Instances:   gorcMgr,
		Engine:      engine,
		Groups:      groups,
	}
	policy := plugins.MatchMajorMinor
	if cfg.PluginSafety.StrictVersioning {
		policy = plugins.MatchStrict
	}
	pluginMgr := plugins.NewManager(log, plugins.ManagerConfig{
		Policy:              policy,
		AllowABIMismatch:    cfg.PluginSafety.AllowABIMismatch,
		UnregisterOnFailure: cfg.PluginSafety.UnregisterOnFailure,
		LifecycleTimeout:    cfg.PluginLifecycleTimeout(),
	}, hostCtx)

	collector := health.NewCollector()

	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "server").Logger(),
		bus:       bus,
		index:     index,
		gorcMgr:   gorcMgr,
		groups:    groups,
		engine:    engine,
		conns:     conns,
		router:    rt,
		limiter:   limiter,
		plugins:   pluginMgr,
		collector: collector,
		probe:     health.NewProbe(cfg.MemoryLimitMB),
		ws:        ws,
		shutdown:  NewShutdownState(),
	}
	rt.Dispatched = func() { collector.IncrCounter("nimbus_router_dispatched_total", 1) }
	rt.Rejected = func(reason string) {
		collector.IncrCounter("nimbus_router_rejected_total", 1)
		collector.IncrCounter("nimbus_router_rejected_"+reason+"_total", 1)
	}
	return s, nil
}

func regionID(b types.RegionBounds) string {
	out, _ := json.Marshal(b)
	return string(out)
}

// Bus exposes the event bus, primarily for in-process plugin registration
// before Run.
func (s *Server) Bus() *events.Bus { return s.bus }

// Plugins exposes the plugin manager for in-process factories.
func (s *Server) Plugins() *plugins.Manager { return s.plugins }

// Gorc exposes the instance manager.
func (s *Server) Gorc() *gorc.Manager { return s.gorcMgr }

// Engine exposes the replication engine.
func (s *Server) Engine() *gorc.Engine { return s.engine }

// Connections exposes the connection manager.
func (s *Server) Connections() *connection.Manager { return s.conns }

// Run starts listening and blocks until ctx is cancelled, then performs the
// two-phase shutdown.
func (s *Server) Run(ctx context.Context) error {
	listener, err := listen(s.cfg.BindAddress, s.cfg.UseReusePort)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Info().Str("bind_address", s.cfg.BindAddress).Msg("listening")

	// Built-in plugins register first, then the plugin directory; handlers
	// are in place before any traffic.
	for _, factory := range []plugins.Factory{builtin.NewAuth(), builtin.NewSystem(), builtin.NewReplay()} {
		if err := s.plugins.RegisterFactory(factory); err != nil {
			s.log.Warn().Err(err).Msg("built-in plugin registration failed")
		}
	}
	loaded := s.plugins.LoadDirectory(s.cfg.PluginDirectory)
	s.plugins.InitializeAll(ctx)
	s.log.Info().Int("loaded", loaded).Int("total", s.plugins.Count()).Msg("plugins initialized")

	if s.cfg.Bridge.NATSURL != "" {
		b, err := bridge.Connect(s.log, s.cfg.Bridge.NATSURL)
		if err != nil {
			s.log.Warn().Err(err).Msg("event bridge unavailable")
		} else {
			s.bridge = b
			b.Attach(s.bus, s.bridgeKeys())
		}
	}

	// core:plugin_loaded fires once per plugin that reached the running state.
	for _, info := range s.plugins.List() {
		if info.State != plugins.StateRunning.String() {
			continue
		}
		if err := s.bus.Emit(ctx, events.CoreKey("plugin_loaded"), events.PluginLoadedEvent{
			Name:      info.Name,
			Version:   info.Version,
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			s.log.Debug().Str("plugin", info.Name).Err(err).Msg("plugin_loaded handlers reported errors")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ws.HandleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.Handle("/metrics/process", promhttp.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go s.tickLoop(loopCtx)
	go s.maintenanceLoop(loopCtx)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	return s.Stop()
}

// Stop performs the two-phase shutdown: stop accepting and emitting, drain,
// then tear down plugins and connections.
func (s *Server) Stop() error {
	s.log.Info().Msg("shutdown initiated")
	s.shutdown.Initiate()
	s.ws.BeginShutdown()
	s.bus.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}
	if err := s.bus.Drain(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("event drain incomplete at deadline")
	}
	s.shutdown.Complete()
	s.log.Info().Msg("in-flight events drained")

	s.plugins.ShutdownAll(shutdownCtx)

	s.conns.Each(func(c *connection.Connection) {
		_ = s.conns.Kick(c.ID, "server shutting down")
	})
	s.ws.Wait()

	if s.bridge != nil {
		s.bridge.Close()
	}
	logging.Flush()
	s.log.Info().Msg("shutdown complete")
	return nil
}

// tickLoop drives the replication scheduler and batch flusher.
func (s *Server) tickLoop(ctx context.Context) {
	interval := s.cfg.TickInterval()
	if interval <= 0 {
		s.log.Info().Msg("tick loop disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.collector.Time("nimbus_tick_duration_seconds", func() {
				s.engine.RunScheduled(now)
				s.engine.Tick(now)
			})
		}
	}
}

// maintenanceLoop sweeps rate-limit buckets and refreshes collector gauges.
func (s *Server) maintenanceLoop(ctx context.Context) {
	gaugeTicker := time.NewTicker(15 * time.Second)
	sweepTicker := time.NewTicker(time.Hour)
	defer gaugeTicker.Stop()
	defer sweepTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gaugeTicker.C:
			s.refreshGauges()
		case <-sweepTicker.C:
			if s.limiter != nil {
				removed := s.limiter.Sweep()
				if removed > 0 {
					s.log.Debug().Int("removed", removed).Msg("swept idle rate-limit buckets")
				}
			}
		}
	}
}

func (s *Server) refreshGauges() {
	busStats := s.bus.Stats()
	engStats := s.engine.Stats()
	gorcStats := s.gorcMgr.Stats()

	s.collector.SetGauge("nimbus_connections", float64(s.conns.Count()))
	s.collector.SetGauge("nimbus_players_indexed", float64(s.index.Len()))
	s.collector.SetGauge("nimbus_event_handlers", float64(busStats.TotalHandlers))
	s.collector.SetGauge("nimbus_gorc_objects", float64(gorcStats.TotalObjects))
	s.collector.SetGauge("nimbus_gorc_subscriptions", float64(gorcStats.TotalSubscriptions))
	s.collector.SetGauge("nimbus_multicast_groups", float64(s.groups.Count()))
	s.collector.SetGauge("nimbus_plugins_loaded", float64(s.plugins.Count()))
	s.collector.SetGauge("nimbus_log_lines_dropped", float64(logging.DroppedLines()))

	s.collector.SetGauge("nimbus_events_emitted", float64(busStats.EventsEmitted))
	s.collector.SetGauge("nimbus_handler_failures", float64(busStats.HandlerFailures))
	s.collector.SetGauge("nimbus_updates_sent", float64(engStats.UpdatesSent))
	s.collector.SetGauge("nimbus_updates_dropped", float64(engStats.UpdatesDropped))
	s.collector.SetGauge("nimbus_batches_sent", float64(engStats.BatchesSent))
	if s.limiter != nil {
		s.collector.SetGauge("nimbus_rate_limited_blocked", float64(s.limiter.Blocked()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.probe.Report(health.ReportInputs{
		PluginCount:       s.plugins.Count(),
		HandlerCount:      s.bus.Stats().TotalHandlers,
		OpenBreakers:      s.engine.Breakers().OpenNames(),
		ActiveConnections: s.conns.Count(),
	})
	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.shutdown.Initiated() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleMetrics renders the collector's exposition. Runtime and transport
// counters from the prometheus client registry live on /metrics/process.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.refreshGauges()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.collector.RenderPrometheus()))
}

// bridgeKeys resolves configured bridge patterns to concrete core keys.
func (s *Server) bridgeKeys() []events.Key {
	coreEvents := []events.Key{
		events.CoreKey("player_connected"),
		events.CoreKey("player_disconnected"),
		events.CoreKey("plugin_loaded"),
	}
	if len(s.cfg.Bridge.Patterns) == 0 {
		return nil
	}
	var keys []events.Key
	for _, key := range coreEvents {
		for _, pattern := range s.cfg.Bridge.Patterns {
			if pattern == "*" || strings.Contains(key.String(), pattern) {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}
