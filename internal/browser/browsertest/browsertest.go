// Package browsertest provides a scripted, in-memory implementation of the browser
// driver contract. Pages replay a fixed list of resources on every navigation and
// record how each request was resolved.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xkilldash9x/critpath/internal/browser"
)

// ErrNoScreenshot is returned by Page.Screenshot when no ScreenshotFunc is set.
var ErrNoScreenshot = errors.New("browsertest: no screenshot configured")

// Launcher launches fake browsers. The zero value is usable.
type Launcher struct {
	// NewPage builds the page returned by each Browser.NewPage call. Nil yields an
	// empty page.
	NewPage func() *Page

	mu       sync.Mutex
	browsers []*Browser
	opts     []browser.LaunchOptions
	failures int
	failErr  error
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher whose browsers open pages built by factory.
func NewLauncher(factory func() *Page) *Launcher {
	return &Launcher{NewPage: factory}
}

// FailNext makes the next n launches fail with err.
func (l *Launcher) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
	l.failErr = err
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.opts = append(l.opts, opts)
	if l.failures > 0 {
		l.failures--
		return nil, l.failErr
	}
	b := &Browser{launcher: l, connected: true}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Launches returns how many browsers were launched successfully.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browsers)
}

// Browsers returns every browser launched so far, oldest first.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Last returns the most recently launched browser, or nil.
func (l *Launcher) Last() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

// Options returns the options of every launch attempt, including failed ones.
func (l *Launcher) Options() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.opts...)
}

// Pages returns every page opened by any browser of this launcher, in opening order.
func (l *Launcher) Pages() []*Page {
	var pages []*Page
	for _, b := range l.Browsers() {
		pages = append(pages, b.Pages()...)
	}
	return pages
}

func (l *Launcher) buildPage() *Page {
	l.mu.Lock()
	factory := l.NewPage
	l.mu.Unlock()
	if factory == nil {
		return &Page{}
	}
	return factory()
}

// Browser is a fake browser process.
type Browser struct {
	// NewPageErr, when set, fails every NewPage call.
	NewPageErr error
	// CloseErr is returned by Close.
	CloseErr error

	launcher *Launcher

	mu        sync.Mutex
	connected bool
	closed    bool
	handlers  []func()
	pages     []*Page
}

var _ browser.Browser = (*Browser)(nil)

// NewPage implements browser.Browser.
func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	if !b.connected {
		return nil, errors.New("browsertest: browser is not connected")
	}
	p := b.launcher.buildPage()
	p.attach()
	b.pages = append(b.pages, p)
	return p, nil
}

// Close implements browser.Browser. Disconnect handlers do not fire.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.closed = true
	return b.CloseErr
}

// Connected implements browser.Browser.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// OnDisconnected implements browser.Browser.
func (b *Browser) OnDisconnected(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Disconnect simulates the browser going away, firing the disconnect handlers.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	handlers := append([]func(){}, b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pages returns the pages opened on this browser.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

func (r Resource) String() string {
	return fmt.Sprintf("%s %s (%s, %d)", r.method(), r.URL, r.resourceType(), r.status())
}
