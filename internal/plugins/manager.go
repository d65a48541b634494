package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State tracks where a plugin is in its lifecycle.
type State int

const (
	StateLoaded State = iota
	StatePreInitialized
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StatePreInitialized:
		return "pre_initialized"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type loadedPlugin struct {
	name    string
	version string
	path    string
	impl    Plugin
	state   State
	loadSeq int
	failure error
}

// ManagerConfig tunes loading and lifecycle supervision.
type ManagerConfig struct {
	// Policy selects ABI comparison strictness.
	Policy MatchPolicy
	// AllowABIMismatch downgrades a mismatch from rejection to a warning.
	AllowABIMismatch bool
	// UnregisterOnFailure withdraws a failed plugin's handlers by pattern.
	UnregisterOnFailure bool
	// LifecycleTimeout bounds each PreInit/Init/Shutdown call.
	LifecycleTimeout time.Duration
}

// Manager loads plugins, verifies their ABI string, drives their lifecycle
// under panic guards, and tears them down in reverse load order.
type Manager struct {
	log  zerolog.Logger
	cfg  ManagerConfig
	host *Context

	mu      sync.Mutex
	plugins map[string]*loadedPlugin
	seq     int
}

// NewManager creates a plugin manager bound to a host context.
func NewManager(log zerolog.Logger, cfg ManagerConfig, host *Context) *Manager {
	if cfg.LifecycleTimeout <= 0 {
		cfg.LifecycleTimeout = 5 * time.Second
	}
	return &Manager{
		log:     log.With().Str("component", "plugins").Logger(),
		cfg:     cfg,
		host:    host,
		plugins: map[string]*loadedPlugin{},
	}
}

// LoadDirectory scans dir for shared objects and loads each candidate. A
// missing directory is not an error; individual load failures skip the
// candidate and the server continues.
func (m *Manager) LoadDirectory(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn().Str("dir", dir).Err(err).Msg("plugin directory unreadable")
		}
		return 0
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".so") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := m.LoadSharedObject(path); err != nil {
			m.log.Warn().Str("path", path).Err(err).Msg("plugin rejected")
			continue
		}
		loaded++
	}
	return loaded
}

// LoadSharedObject loads one plugin shared object: open, verify the ABI
// symbol, then resolve and call the factory inside a panic guard.
func (m *Manager) LoadSharedObject(path string) error {
	lib, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	versionSym, err := lib.Lookup(VersionSymbol)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", VersionSymbol, err)
	}
	versionPtr, ok := versionSym.(*string)
	if !ok {
		return fmt.Errorf("%s has wrong type %T", VersionSymbol, versionSym)
	}
	if err := CheckABI(*versionPtr, m.cfg.Policy); err != nil {
		if !m.cfg.AllowABIMismatch {
			return err
		}
		m.log.Warn().Str("path", path).Err(err).Msg("ABI mismatch permitted by operator flag")
	}

	factorySym, err := lib.Lookup(FactorySymbol)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", FactorySymbol, err)
	}
	factory, ok := factorySym.(func() Plugin)
	if !ok {
		return fmt.Errorf("%s has wrong type %T", FactorySymbol, factorySym)
	}

	return m.install(path, factory)
}

// RegisterFactory installs an in-process plugin, the path built-in plugins
// and tests use. The ABI check is skipped: the factory was compiled into the
// host.
func (m *Manager) RegisterFactory(factory Factory) error {
	return m.install("<in-process>", factory)
}

func (m *Manager) install(path string, factory Factory) error {
	var impl Plugin
	err := guard(func() error {
		impl = factory()
		return nil
	})
	if err != nil {
		return fmt.Errorf("create plugin from %s: %w", path, err)
	}
	if impl == nil {
		return fmt.Errorf("factory in %s returned nil", path)
	}

	var name, version string
	if err := guard(func() error {
		name = impl.Name()
		version = impl.Version()
		return nil
	}); err != nil {
		return fmt.Errorf("plugin identity from %s: %w", path, err)
	}
	if name == "" {
		return fmt.Errorf("plugin in %s reports empty name", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("plugin %q already loaded", name)
	}
	m.seq++
	m.plugins[name] = &loadedPlugin{
		name:    name,
		version: version,
		path:    path,
		impl:    impl,
		state:   StateLoaded,
		loadSeq: m.seq,
	}
	m.log.Info().Str("plugin", name).Str("version", version).Str("path", path).Msg("plugin loaded")
	return nil
}

// InitializeAll runs pre-init then init for every loaded plugin, in load
// order. A panic or error in either phase marks the plugin failed; with
// UnregisterOnFailure its handlers are withdrawn by name pattern.
func (m *Manager) InitializeAll(ctx context.Context) {
	for _, lp := range m.ordered() {
		m.initialize(ctx, lp)
	}
}

func (m *Manager) initialize(ctx context.Context, lp *loadedPlugin) {
	if err := m.lifecycleCall(ctx, lp.name, "pre_init", func(c context.Context) error {
		return lp.impl.PreInit(c, m.host)
	}); err != nil {
		m.markFailed(lp, fmt.Errorf("pre_init: %w", err))
		return
	}
	m.setState(lp, StatePreInitialized)

	if err := m.lifecycleCall(ctx, lp.name, "init", func(c context.Context) error {
		return lp.impl.Init(c, m.host)
	}); err != nil {
		m.markFailed(lp, fmt.Errorf("init: %w", err))
		return
	}
	m.setState(lp, StateRunning)
	m.log.Info().Str("plugin", lp.name).Msg("plugin initialized")
}

// ShutdownAll runs plugin shutdowns in reverse load order. Each call is
// bounded; a timeout logs the plugin unhealthy and shutdown continues.
func (m *Manager) ShutdownAll(ctx context.Context) {
	ordered := m.ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		lp := ordered[i]
		if m.stateOf(lp) == StateFailed {
			continue
		}
		if err := m.lifecycleCall(ctx, lp.name, "shutdown", func(c context.Context) error {
			return lp.impl.Shutdown(c, m.host)
		}); err != nil {
			m.log.Warn().Str("plugin", lp.name).Err(err).Msg("plugin shutdown unhealthy")
		}
		m.setState(lp, StateStopped)
	}
}

// lifecycleCall runs one lifecycle phase under a panic guard and the
// configured timeout.
func (m *Manager) lifecycleCall(ctx context.Context, name, phase string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.LifecycleTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- guard(func() error { return fn(callCtx) })
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		m.log.Warn().Str("plugin", name).Str("phase", phase).Msg("lifecycle call timed out")
		return fmt.Errorf("plugin %s %s timed out", name, phase)
	}
}

func (m *Manager) markFailed(lp *loadedPlugin, err error) {
	m.mu.Lock()
	lp.state = StateFailed
	lp.failure = err
	m.mu.Unlock()
	m.log.Error().Str("plugin", lp.name).Err(err).Msg("plugin failed")
	if m.cfg.UnregisterOnFailure && m.host != nil && m.host.Bus != nil {
		removed := m.host.Bus.RemoveHandlers(lp.name)
		if removed > 0 {
			m.log.Info().Str("plugin", lp.name).Int("removed", removed).Msg("withdrew failed plugin handlers")
		}
	}
}

func (m *Manager) setState(lp *loadedPlugin, s State) {
	m.mu.Lock()
	lp.state = s
	m.mu.Unlock()
}

func (m *Manager) stateOf(lp *loadedPlugin) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lp.state
}

func (m *Manager) ordered() []*loadedPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*loadedPlugin, 0, len(m.plugins))
	for _, lp := range m.plugins {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].loadSeq < out[j].loadSeq })
	return out
}

// Count returns how many plugins are loaded, regardless of state.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins)
}

// PluginInfo summarizes one plugin for diagnostics.
type PluginInfo struct {
	Name    string
	Version string
	State   string
}

// List returns plugin summaries in load order.
func (m *Manager) List() []PluginInfo {
	ordered := m.ordered()
	out := make([]PluginInfo, 0, len(ordered))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lp := range ordered {
		out = append(out, PluginInfo{Name: lp.name, Version: lp.version, State: lp.state.String()})
	}
	return out
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
