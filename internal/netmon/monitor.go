package netmon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"roam/internal/config"
	"roam/internal/logging"
)

// Monitor reports whether the network is reachable and notifies subscribers
// on transitions. Implementations deliver only edges: a subscriber is called
// when connectivity flips, not on every probe.
type Monitor interface {
	Online() bool
	Subscribe(func(online bool)) func()
	Start(ctx context.Context) error
	Stop()
}

// ProbeMonitor determines connectivity by periodically issuing a lightweight
// HTTP request against a configured probe URL.
type ProbeMonitor struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	online  bool
	nextID  int
	subs    map[int]func(online bool)
	quit    chan struct{}
	running bool
}

// NewProbeMonitor builds a monitor from the network section of the config.
// It starts pessimistic: the network is considered offline until the first
// probe succeeds.
func NewProbeMonitor(cfg *config.Config, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.Network.ProbeTimeout()
	return &ProbeMonitor{
		probeURL: cfg.Network.ProbeURL,
		interval: cfg.Network.ProbeInterval(),
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "netmon"),
		subs:     make(map[int]func(online bool)),
	}
}

// Online reports the last observed connectivity state.
func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition callback and returns a removal function.
// Callbacks run on the monitor goroutine and must return quickly.
func (m *ProbeMonitor) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start begins probing. Calling Start on a running monitor is a no-op.
func (m *ProbeMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.probeLoop(ctx, quit)

	m.logger.Info("network monitor started",
		logging.String(logging.FieldEventType, "netmon_started"),
		logging.String("probe_url", m.probeURL),
		logging.Duration("interval", m.interval),
	)
	return nil
}

// Stop shuts down the probe loop.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	m.running = false

	m.logger.Info("network monitor stopped",
		logging.String(logging.FieldEventType, "netmon_stopped"),
	)
}

func (m *ProbeMonitor) probeLoop(ctx context.Context, quit <-chan struct{}) {
	// Probe immediately so callers are not stuck offline for a full interval
	// after startup.
	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *ProbeMonitor) probeOnce(ctx context.Context) {
	online := m.probe(ctx)
	m.setOnline(online)
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("invalid probe request",
			logging.Error(err),
			logging.String("probe_url", m.probeURL),
		)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	// Any response at all proves reachability; captive portals returning
	// odd statuses are still a network.
	return true
}

func (m *ProbeMonitor) setOnline(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var subs []func(online bool)
	if changed {
		subs = make([]func(online bool), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("connectivity changed",
		logging.String(logging.FieldEventType, "connectivity_changed"),
		logging.Bool("online", online),
	)
	for _, fn := range subs {
		fn(online)
	}
}

// ManualMonitor is a Monitor whose state is flipped explicitly. Tests and
// the CLI's one-shot sync path use it in place of probing.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewManualMonitor returns a manual monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online, subs: make(map[int]func(online bool))}
}

func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualMonitor) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline flips the state, notifying subscribers only on a transition.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var subs []func(online bool)
	if changed {
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func (m *ManualMonitor) Start(context.Context) error { return nil }
func (m *ManualMonitor) Stop()                       {}
