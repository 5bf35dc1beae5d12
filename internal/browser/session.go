// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/observability"
)

// State is the lifecycle state of a Session's browser handle.
type State int32

const (
	StateUninitialized State = iota
	StateLaunching
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// baseLaunchArgs are passed on every launch. Measurement runs inside containers more
// often than not, where the sandbox and /dev/shm are unavailable.
var baseLaunchArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
}

const defaultLaunchTimeout = 30 * time.Second

// handle wraps one launched browser. Its pointer identity lets the disconnect handler
// of an old browser tell that a newer one has already replaced it.
type handle struct {
	browser Browser
}

// Session owns the browser process used for every capture and validation page. It
// launches lazily, and relaunches transparently on the next acquisition after the
// browser disconnects.
type Session struct {
	launcher Launcher
	cfg      config.BrowserConfig
	logger   *zap.Logger

	state    atomic.Int32
	current  atomic.Pointer[handle]
	launches atomic.Int64

	// launchMu serialises launches. The disconnect path never takes it.
	launchMu sync.Mutex
	limiter  *rate.Limiter
}

var _ PageSource = (*Session)(nil)

// NewSession creates a session. Nothing is launched until the first page is requested.
func NewSession(launcher Launcher, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = observability.GetLogger()
	}
	limit := rate.Inf
	if cfg.RelaunchInterval > 0 {
		limit = rate.Every(cfg.RelaunchInterval)
	}
	return &Session{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.Named("browser_session"),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Connected reports whether a live browser handle is held.
func (s *Session) Connected() bool {
	h := s.current.Load()
	return h != nil && h.browser.Connected()
}

// Launches returns how many browsers this session has launched successfully.
func (s *Session) Launches() int { return int(s.launches.Load()) }

// Debug reports whether pages are left open after use.
func (s *Session) Debug() bool { return s.cfg.Debug }

// EnsureReady returns the connected browser, launching one first if necessary.
// A stale handle is closed before relaunching; close failures are only logged.
func (s *Session) EnsureReady(ctx context.Context) (Browser, error) {
	if h := s.current.Load(); h != nil && h.browser.Connected() {
		return h.browser, nil
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	// Another caller may have finished launching while we waited for the lock.
	if h := s.current.Load(); h != nil && h.browser.Connected() {
		return h.browser, nil
	}

	logger := s.loggerFor(ctx)

	if stale := s.current.Swap(nil); stale != nil {
		if err := stale.browser.Close(); err != nil {
			logger.Warn("Failed to close stale browser handle.", zap.Error(err))
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &BrowserInitError{Err: fmt.Errorf("waiting to relaunch: %w", err)}
	}

	previous := s.State()
	s.state.Store(int32(StateLaunching))

	opts := s.launchOptions()
	logger.Info("Launching browser.",
		zap.Bool("headless", opts.Headless),
		zap.String("executable", opts.ExecutablePath),
		zap.Int64("previous_launches", s.launches.Load()),
	)

	timeout := s.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	launchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := s.launcher.Launch(launchCtx, opts)
	if err == nil && b == nil {
		err = errors.New("launcher returned no browser")
	}
	if err != nil {
		if previous == StateUninitialized {
			s.state.Store(int32(StateUninitialized))
		} else {
			s.state.Store(int32(StateDisconnected))
		}
		return nil, &BrowserInitError{Err: err}
	}

	h := &handle{browser: b}
	b.OnDisconnected(func() { s.handleDisconnect(h) })
	s.current.Store(h)
	s.state.Store(int32(StateConnected))
	s.launches.Add(1)

	logger.Info("Browser launched and connected.")
	return b, nil
}

// handleDisconnect drops h if it is still the current handle. This is the only place
// a session moves to StateDisconnected.
func (s *Session) handleDisconnect(h *handle) {
	if s.current.CompareAndSwap(h, nil) {
		s.state.Store(int32(StateDisconnected))
		s.logger.Warn("Browser disconnected. It will be relaunched on the next page request.")
	}
}

// AcquirePage opens a new page with request interception enabled. The caller must
// Release the returned lease on every path.
func (s *Session) AcquirePage(ctx context.Context) (*PageLease, error) {
	b, err := s.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}

	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, &BrowserInitError{Err: fmt.Errorf("opening page: %w", err)}
	}

	lease := newPageLease(page, s.cfg.Debug, s.loggerFor(ctx))
	if err := page.SetRequestInterception(ctx, true); err != nil {
		// The page is useless without interception, so close it regardless of debug mode.
		lease.debug = false
		lease.Release(ctx)
		return nil, fmt.Errorf("enabling request interception: %w", err)
	}
	return lease, nil
}

// Close shuts the current browser down. A later page request launches a new one.
func (s *Session) Close() error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	h := s.current.Swap(nil)
	s.state.Store(int32(StateUninitialized))
	if h == nil {
		return nil
	}
	s.logger.Info("Shutting down browser.")
	if err := h.browser.Close(); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

// loggerFor prefers the caller's trace logger so launch and page logs carry its trace id.
func (s *Session) loggerFor(ctx context.Context) *zap.Logger {
	if t, ok := observability.TraceFrom(ctx); ok && t.Logger != nil {
		return t.Logger.Named("browser_session")
	}
	return s.logger
}

func (s *Session) launchOptions() LaunchOptions {
	args := make([]string, 0, len(baseLaunchArgs)+len(s.cfg.Args)+1)
	args = append(args, baseLaunchArgs...)
	if !s.cfg.Debug {
		args = append(args, "--disable-gpu")
	}
	args = append(args, s.cfg.Args...)
	return LaunchOptions{
		Headless:       !s.cfg.Debug,
		Args:           args,
		ExecutablePath: s.cfg.ExecutablePath,
	}
}
