// internal/browser/cdp/page.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	pollInterval             = 50 * time.Millisecond
)

// Page is one Chrome tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	closed atomic.Bool

	mu           sync.Mutex
	reqHandlers  []browser.RequestHandler
	respHandlers []browser.ResponseHandler
	intercepting bool
	// requests holds the latest request seen per network id. Paused requests take
	// precedence over passively observed ones.
	requests map[network.RequestID]*Request
	loads    map[network.RequestID]*loadState
	waiters  map[*lifecycleWaiter]struct{}
}

var _ browser.Page = (*Page)(nil)

func newPage(tabCtx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	return &Page{
		ctx:      tabCtx,
		cancel:   cancel,
		logger:   logger.Named("page"),
		requests: make(map[network.RequestID]*Request),
		loads:    make(map[network.RequestID]*loadState),
		waiters:  make(map[*lifecycleWaiter]struct{}),
	}
}

// init creates the target and enables the domains the driver relies on. The first
// Run must use the tab context itself: chromedp ties the target's event loop to it.
func (p *Page) init(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.onEvent)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx,
			network.Enable(),
			page.Enable(),
			page.SetLifecycleEventsEnabled(true),
		)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("initializing tab: %w", err)
		}
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("initializing tab: %w", ctx.Err())
	}
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	return runOn(p.ctx, ctx, actions...)
}

// onEvent is called synchronously by chromedp and must not block. Handlers that
// issue CDP commands run on their own goroutines.
func (p *Page) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		req := p.trackPaused(ev)
		go p.dispatchRequest(req)
	case *network.EventRequestWillBeSent:
		p.trackSent(ev)
	case *network.EventResponseReceived:
		go p.dispatchResponse(ev)
	case *network.EventLoadingFinished:
		p.load(ev.RequestID).finish(nil)
	case *network.EventLoadingFailed:
		p.load(ev.RequestID).finish(fmt.Errorf("loading failed: %s", ev.ErrorText))
	case *page.EventLifecycleEvent:
		p.notifyLifecycle(ev)
	}
}

func (p *Page) trackPaused(ev *fetch.EventRequestPaused) *Request {
	req := &Request{
		page:        p,
		interceptID: ev.RequestID,
		networkID:   ev.NetworkID,
		rtype:       strings.ToLower(string(ev.ResourceType)),
	}
	if ev.Request != nil {
		req.method = ev.Request.Method
		req.url = ev.Request.URL
		req.headers = convertHeaders(ev.Request.Headers)
	}
	if ev.NetworkID != "" {
		p.mu.Lock()
		p.requests[ev.NetworkID] = req
		p.mu.Unlock()
	}
	return req
}

func (p *Page) trackSent(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.requests[ev.RequestID]; ok && existing.interceptID != "" && existing.url == ev.Request.URL {
		return
	}
	p.requests[ev.RequestID] = &Request{
		page:      p,
		networkID: ev.RequestID,
		method:    ev.Request.Method,
		url:       ev.Request.URL,
		rtype:     strings.ToLower(string(ev.Type)),
		headers:   convertHeaders(ev.Request.Headers),
		handled:   true,
	}
}

func (p *Page) dispatchRequest(req *Request) {
	p.mu.Lock()
	handlers := append([]browser.RequestHandler(nil), p.reqHandlers...)
	p.mu.Unlock()

	if len(handlers) == 0 {
		if err := req.Continue(p.ctx, nil); err != nil && !errors.Is(err, browser.ErrAlreadyHandled) {
			p.logger.Debug("Failed to continue unhandled request.", zap.String("url", req.url), zap.Error(err))
		}
		return
	}
	for _, h := range handlers {
		h(p.ctx, req)
	}
}

func (p *Page) dispatchResponse(ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	p.mu.Lock()
	req, ok := p.requests[ev.RequestID]
	handlers := append([]browser.ResponseHandler(nil), p.respHandlers...)
	p.mu.Unlock()

	if !ok {
		req = &Request{
			page:      p,
			networkID: ev.RequestID,
			url:       ev.Response.URL,
			rtype:     strings.ToLower(string(ev.Type)),
			headers:   map[string]string{},
			handled:   true,
		}
	}
	resp := &Response{
		page:      p,
		req:       req,
		networkID: ev.RequestID,
		url:       ev.Response.URL,
		status:    int(ev.Response.Status),
	}
	for _, h := range handlers {
		h(p.ctx, resp)
	}
}

// Navigate loads url and waits for the requested lifecycle milestone of the new
// document, bounded by opts.Timeout.
func (p *Page) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	wait := opts.WaitUntil
	if wait == "" {
		wait = browser.WaitNetworkAlmostIdle
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Register before navigating: the milestone can fire before Navigate returns.
	w := p.addWaiter(string(wait))
	defer p.removeWaiter(w)

	var errorText string
	var loaderID string
	var frameID string
	err := p.run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		f, l, text, _, err := page.Navigate(url).Do(ctx)
		frameID, loaderID, errorText = string(f), string(l), text
		return err
	}))
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if errorText != "" {
		return fmt.Errorf("navigate: %s", errorText)
	}
	if loaderID == "" {
		// Same-document navigation; no new lifecycle to wait for.
		return nil
	}

	for {
		if w.reached(frameID, loaderID) {
			return nil
		}
		select {
		case <-w.notify:
		case <-p.ctx.Done():
			return browser.ErrPageClosed
		case <-navCtx.Done():
			return fmt.Errorf("waiting for %s: %w", wait, navCtx.Err())
		}
	}
}

// OnRequest implements browser.Page.
func (p *Page) OnRequest(handler browser.RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqHandlers = append(p.reqHandlers, handler)
}

// OnResponse implements browser.Page.
func (p *Page) OnResponse(handler browser.ResponseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respHandlers = append(p.respHandlers, handler)
}

// SetRequestInterception pauses every request at the request stage until a handler
// continues or aborts it.
func (p *Page) SetRequestInterception(ctx context.Context, enabled bool) error {
	var action chromedp.Action = fetch.Disable()
	if enabled {
		action = fetch.Enable()
	}
	if err := p.run(ctx, action); err != nil {
		return fmt.Errorf("set request interception: %w", err)
	}
	p.mu.Lock()
	p.intercepting = enabled
	p.mu.Unlock()
	return nil
}

// Screenshot captures the viewport as JPEG.
func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(opts.Quality)).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// Evaluate implements browser.Page.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expr, out))
}

// EvaluateOnNewDocument implements browser.Page.
func (p *Page) EvaluateOnNewDocument(ctx context.Context, source string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
		return err
	}))
}

// WaitForFunction polls on an interval rather than on animation frames, which
// background tabs do not deliver.
func (p *Page) WaitForFunction(ctx context.Context, expr string, timeout time.Duration) error {
	return p.run(ctx, chromedp.Poll(expr, nil,
		chromedp.WithPollingInterval(pollInterval),
		chromedp.WithPollingTimeout(timeout),
	))
}

// BringToFront implements browser.Page.
func (p *Page) BringToFront(ctx context.Context) error {
	return p.run(ctx, page.BringToFront())
}

// SetCacheEnabled implements browser.Page.
func (p *Page) SetCacheEnabled(ctx context.Context, enabled bool) error {
	return p.run(ctx, network.SetCacheDisabled(!enabled))
}

// Close closes the tab, waiting at most until ctx is done.
func (p *Page) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(p.ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("closing tab: %w", err)
		}
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("closing tab: %w", ctx.Err())
	}
}

// IsClosed implements browser.Page.
func (p *Page) IsClosed() bool {
	return p.closed.Load() || p.ctx.Err() != nil
}

// -- lifecycle tracking --

type lifecycleWaiter struct {
	name   string
	notify chan struct{}

	mu     sync.Mutex
	events []*page.EventLifecycleEvent
}

func (w *lifecycleWaiter) reached(frameID, loaderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ev := range w.events {
		if string(ev.FrameID) == frameID && string(ev.LoaderID) == loaderID {
			return true
		}
	}
	return false
}

func (p *Page) addWaiter(name string) *lifecycleWaiter {
	w := &lifecycleWaiter{name: name, notify: make(chan struct{}, 1)}
	p.mu.Lock()
	p.waiters[w] = struct{}{}
	p.mu.Unlock()
	return w
}

func (p *Page) removeWaiter(w *lifecycleWaiter) {
	p.mu.Lock()
	delete(p.waiters, w)
	p.mu.Unlock()
}

func (p *Page) notifyLifecycle(ev *page.EventLifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w := range p.waiters {
		if w.name != ev.Name {
			continue
		}
		w.mu.Lock()
		w.events = append(w.events, ev)
		w.mu.Unlock()
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// -- response body tracking --

type loadState struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (l *loadState) finish(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func (p *Page) load(id network.RequestID) *loadState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, ok := p.loads[id]
	if !ok {
		ls = &loadState{done: make(chan struct{})}
		p.loads[id] = ls
	}
	return ls
}

func convertHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}
