// Package cdp drives Chrome over the DevTools protocol using chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
)

// Launcher starts local Chrome processes through chromedp's exec allocator.
type Launcher struct {
	logger *zap.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher creates a Launcher.
func NewLauncher(logger *zap.Logger) *Launcher {
	return &Launcher{logger: logger.Named("cdp")}
}

// Launch starts Chrome and connects to it. ctx bounds the start-up only; the
// browser lives until Close or until the connection drops.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	// The allocator must outlive ctx, so it hangs off the background context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(l.logger.Sugar().Debugf),
	)

	started := make(chan error, 1)
	go func() {
		// Running no actions on a fresh context just allocates the browser.
		started <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("starting chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		<-started
		return nil, fmt.Errorf("starting chrome: %w", ctx.Err())
	}

	b := &Browser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}
	b.connected.Store(true)
	go b.watch()
	return b, nil
}

// allocatorOptions turns launch options into exec allocator flags. Extra args use
// the usual --name or --name=value form.
func allocatorOptions(opts browser.LaunchOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.ExecutablePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecutablePath))
	}

	for _, arg := range opts.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			allocOpts = append(allocOpts, chromedp.Flag(name, parts[1]))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}
	return allocOpts
}

// Browser is a Chrome process controlled through chromedp.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	connected atomic.Bool
	closing   atomic.Bool

	mu       sync.Mutex
	handlers []func()
}

var _ browser.Browser = (*Browser)(nil)

// watch waits for the websocket to drop or the browser context to end, then fires
// the disconnect handlers unless Close caused it.
func (b *Browser) watch() {
	var lost <-chan struct{}
	if c := chromedp.FromContext(b.ctx); c != nil && c.Browser != nil {
		lost = c.Browser.LostConnection
	}
	select {
	case <-lost:
	case <-b.ctx.Done():
	}
	b.connected.Store(false)
	if b.closing.Load() {
		return
	}

	b.logger.Debug("Lost connection to chrome.")
	b.mu.Lock()
	handlers := append([]func(){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// NewPage opens a new tab with the page, network and lifecycle domains enabled.
func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	if !b.Connected() {
		return nil, errors.New("browser is not connected")
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	p := newPage(tabCtx, tabCancel, b.logger)
	if err := p.init(ctx); err != nil {
		tabCancel()
		return nil, err
	}
	return p, nil
}

// Close shuts Chrome down gracefully and releases the allocator.
func (b *Browser) Close() error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	b.connected.Store(false)
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing chrome: %w", err)
	}
	return nil
}

// Connected implements browser.Browser.
func (b *Browser) Connected() bool { return b.connected.Load() }

// OnDisconnected implements browser.Browser.
func (b *Browser) OnDisconnected(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}
