package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/critpath/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resource is one request a page issues on every navigation.
type Resource struct {
	URL string
	// Method defaults to GET.
	Method string
	// Type defaults to "script".
	Type string
	// Status defaults to 200.
	Status int
	Body   []byte
	// BodyErr makes Response.Body fail.
	BodyErr error
	// Headers are sent in addition to a default accept header.
	Headers map[string]string
	// DropOverrides hides headers set through Continue from the response's view of
	// the request, as a cross-origin redirect would.
	DropOverrides bool
	// RejectOverrides makes Continue with a non-nil header map fail once without
	// resolving the request.
	RejectOverrides bool
}

func (r Resource) method() string {
	if r.Method == "" {
		return "GET"
	}
	return r.Method
}

func (r Resource) resourceType() string {
	if r.Type == "" {
		return browser.ResourceScript
	}
	return r.Type
}

func (r Resource) status() int {
	if r.Status == 0 {
		return 200
	}
	return r.Status
}

// Action records how an intercepted request was resolved.
type Action string

const (
	ActionPending   Action = ""
	ActionContinued Action = "continued"
	ActionAborted   Action = "aborted"
)

// Outcome is the resolution of one request.
type Outcome struct {
	URL     string
	Action  Action
	Headers map[string]string
	// Delay is the time between dispatching the request and its resolution.
	Delay time.Duration
}

// Page is a scripted page. Exported fields must be set before the page is used.
type Page struct {
	Resources []Resource

	// NavigateErr is returned by Navigate after the traffic has been replayed.
	NavigateErr error
	// NavigateDelay stalls Navigate before any traffic, subject to the timeout.
	NavigateDelay time.Duration
	// ScreenshotFunc produces Screenshot results.
	ScreenshotFunc func(p *Page) ([]byte, error)
	// EvaluateFunc produces Evaluate results. The value is JSON round-tripped into out.
	EvaluateFunc func(p *Page, expr string) (any, error)
	// WaitFunc produces WaitForFunction results.
	WaitFunc func(p *Page, expr string) error
	// CloseErr is returned by Close. The page counts as closed either way.
	CloseErr error
	// InterceptionErr fails SetRequestInterception.
	InterceptionErr error

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	reqHandlers  []browser.RequestHandler
	respHandlers []browser.ResponseHandler
	intercept    bool
	cacheEnabled bool
	front        bool
	closed       bool
	closeCalls   int
	seq          int
	navigations  []string
	scripts      []string
	evaluations  []string
	outcomes     []*Request
}

var _ browser.Page = (*Page)(nil)

func (p *Page) attach() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.cacheEnabled = true
}

// Navigate replays Resources in order. Each request is dispatched to the request
// handlers and must be resolved, and its response handlers must have returned,
// before the next one starts. Navigation fails when opts.Timeout or
// ctx expires before every request is resolved.
func (p *Page) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if p.NavigateDelay > 0 {
		timer := time.NewTimer(p.NavigateDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("browsertest: navigation to %s: %w", url, ctx.Err())
		}
	}

	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	reqHandlers := append([]browser.RequestHandler(nil), p.reqHandlers...)
	respHandlers := append([]browser.ResponseHandler(nil), p.respHandlers...)
	intercept := p.intercept
	p.mu.Unlock()

	for _, res := range p.Resources {
		req := p.newRequest(res)

		for _, h := range reqHandlers {
			go h(p.ctx, req)
		}
		switch {
		case !intercept:
			req.resolve(ActionContinued, nil)
		case len(reqHandlers) == 0:
			_ = req.Continue(ctx, nil)
		}

		select {
		case <-req.done:
		case <-ctx.Done():
			return fmt.Errorf("browsertest: navigation to %s: waiting for %s: %w", url, res.URL, ctx.Err())
		}

		if req.action() == ActionAborted {
			continue
		}
		resp := &Response{req: req}
		var responses sync.WaitGroup
		for _, h := range respHandlers {
			responses.Add(1)
			go func(h browser.ResponseHandler) {
				defer responses.Done()
				h(p.ctx, resp)
			}(h)
		}
		responses.Wait()
	}

	return p.NavigateErr
}

func (p *Page) newRequest(res Resource) *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	headers := map[string]string{"accept": "*/*"}
	for k, v := range res.Headers {
		headers[k] = v
	}
	req := &Request{
		id:         strconv.Itoa(p.seq),
		res:        res,
		headers:    headers,
		dispatched: time.Now(),
		done:       make(chan struct{}),
		rejectOnce: res.RejectOverrides,
	}
	p.outcomes = append(p.outcomes, req)
	return req
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

// SetRequestInterception implements browser.Page.
func (p *Page) SetRequestInterception(_ context.Context, enabled bool) error {
	if p.InterceptionErr != nil {
		return p.InterceptionErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intercept = enabled
	return nil
}

// Screenshot implements browser.Page.
func (p *Page) Screenshot(context.Context, browser.ScreenshotOptions) ([]byte, error) {
	if p.IsClosed() {
		return nil, browser.ErrPageClosed
	}
	if p.ScreenshotFunc == nil {
		return nil, ErrNoScreenshot
	}
	return p.ScreenshotFunc(p)
}

// Evaluate implements browser.Page.
func (p *Page) Evaluate(_ context.Context, expr string, out any) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	p.mu.Lock()
	p.evaluations = append(p.evaluations, expr)
	p.mu.Unlock()

	if p.EvaluateFunc == nil {
		return nil
	}
	v, err := p.EvaluateFunc(p, expr)
	if err != nil || out == nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// EvaluateOnNewDocument implements browser.Page.
func (p *Page) EvaluateOnNewDocument(_ context.Context, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, source)
	return nil
}

// WaitForFunction implements browser.Page.
func (p *Page) WaitForFunction(ctx context.Context, expr string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.WaitFunc == nil {
		return nil
	}
	return p.WaitFunc(p, expr)
}

// BringToFront implements browser.Page.
func (p *Page) BringToFront(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.front = true
	return nil
}

// SetCacheEnabled implements browser.Page.
func (p *Page) SetCacheEnabled(_ context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cacheEnabled = enabled
	return nil
}

// Close implements browser.Page.
func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	return p.CloseErr
}

// IsClosed implements browser.Page.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCalls returns how many times Close was called.
func (p *Page) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Navigations returns the URLs passed to Navigate.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Scripts returns the sources passed to EvaluateOnNewDocument.
func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

// Evaluations returns the expressions passed to Evaluate.
func (p *Page) Evaluations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluations...)
}

// BroughtToFront reports whether BringToFront was called.
func (p *Page) BroughtToFront() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.front
}

// CacheEnabled reports the HTTP cache setting.
func (p *Page) CacheEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cacheEnabled
}

// Intercepting reports whether request interception is enabled.
func (p *Page) Intercepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intercept
}

// Outcomes returns the resolution of every request dispatched so far.
func (p *Page) Outcomes() []Outcome {
	p.mu.Lock()
	reqs := append([]*Request(nil), p.outcomes...)
	p.mu.Unlock()

	out := make([]Outcome, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.outcome())
	}
	return out
}

// Outcome returns the resolution of the most recent request for url.
func (p *Page) Outcome(url string) (Outcome, bool) {
	outcomes := p.Outcomes()
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].URL == url {
			return outcomes[i], true
		}
	}
	return Outcome{}, false
}

// Aborted returns the URLs of aborted requests.
func (p *Page) Aborted() []string {
	var urls []string
	for _, o := range p.Outcomes() {
		if o.Action == ActionAborted {
			urls = append(urls, o.URL)
		}
	}
	return urls
}

// Request is a fake paused request.
type Request struct {
	id         string
	res        Resource
	headers    map[string]string
	dispatched time.Time
	done       chan struct{}

	mu         sync.Mutex
	handled    bool
	rejectOnce bool
	act        Action
	sent       map[string]string
	resolvedAt time.Time
}

var _ browser.Request = (*Request)(nil)

func (r *Request) ID() string           { return r.id }
func (r *Request) Method() string       { return r.res.method() }
func (r *Request) URL() string          { return r.res.URL }
func (r *Request) ResourceType() string { return r.res.resourceType() }

// Headers returns the headers as sent: overrides passed to Continue replace the originals.
func (r *Request) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.headers
	if r.sent != nil {
		src = r.sent
	}
	return copyHeaders(src)
}

// IsHandled implements browser.Request.
func (r *Request) IsHandled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

// Continue implements browser.Request.
func (r *Request) Continue(_ context.Context, headers map[string]string) error {
	r.mu.Lock()
	if headers != nil && r.rejectOnce {
		r.rejectOnce = false
		r.mu.Unlock()
		return errors.New("browsertest: header override rejected")
	}
	r.mu.Unlock()
	return r.resolve(ActionContinued, headers)
}

// Abort implements browser.Request.
func (r *Request) Abort(context.Context) error {
	return r.resolve(ActionAborted, nil)
}

func (r *Request) resolve(act Action, headers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled {
		return browser.ErrAlreadyHandled
	}
	r.handled = true
	r.act = act
	if headers != nil {
		r.sent = copyHeaders(headers)
	}
	r.resolvedAt = time.Now()
	close(r.done)
	return nil
}

func (r *Request) action() Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.act
}

func (r *Request) outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := Outcome{URL: r.res.URL, Action: r.act}
	if r.sent != nil {
		o.Headers = copyHeaders(r.sent)
	} else {
		o.Headers = copyHeaders(r.headers)
	}
	if r.handled {
		o.Delay = r.resolvedAt.Sub(r.dispatched)
	}
	return o
}

// Response is a fake response to a continued Request.
type Response struct {
	req *Request
}

var _ browser.Response = (*Response)(nil)

// Request returns the originating request. With DropOverrides set the view only
// carries the original headers.
func (r *Response) Request() browser.Request {
	if !r.req.res.DropOverrides {
		return r.req
	}
	return &droppedView{Request: r.req}
}

func (r *Response) URL() string { return r.req.res.URL }
func (r *Response) Status() int { return r.req.res.status() }

// Body implements browser.Response.
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.req.res.BodyErr != nil {
		return nil, r.req.res.BodyErr
	}
	return append([]byte(nil), r.req.res.Body...), nil
}

type droppedView struct {
	*Request
}

func (d *droppedView) Headers() map[string]string {
	return copyHeaders(d.Request.headers)
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
