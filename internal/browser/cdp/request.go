// internal/browser/cdp/request.go
package cdp

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/critpath/internal/browser"
)

// Request is a request paused by the Fetch domain, or a passively observed one
// (interceptID empty), which counts as already handled.
type Request struct {
	page        *Page
	interceptID fetch.RequestID
	networkID   network.RequestID
	method      string
	url         string
	rtype       string
	headers     map[string]string

	mu      sync.Mutex
	handled bool
	sent    map[string]string
}

var _ browser.Request = (*Request)(nil)

func (r *Request) ID() string {
	if r.networkID != "" {
		return string(r.networkID)
	}
	return string(r.interceptID)
}

func (r *Request) Method() string       { return r.method }
func (r *Request) URL() string          { return r.url }
func (r *Request) ResourceType() string { return r.rtype }

// Headers returns the headers as sent, including Continue overrides.
func (r *Request) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent != nil {
		return maps.Clone(r.sent)
	}
	return maps.Clone(r.headers)
}

// IsHandled implements browser.Request.
func (r *Request) IsHandled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

// claim marks the request handled. It fails if another caller got there first.
func (r *Request) claim(sent map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled {
		return false
	}
	r.handled = true
	if sent != nil {
		r.sent = maps.Clone(sent)
	}
	return true
}

// unclaim reverts a claim whose CDP command failed, so a fallback can still resolve
// the request.
func (r *Request) unclaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = false
	r.sent = nil
}

// Continue resumes the paused request, replacing its headers when headers is non-nil.
func (r *Request) Continue(ctx context.Context, headers map[string]string) error {
	if !r.claim(headers) {
		return browser.ErrAlreadyHandled
	}
	params := fetch.ContinueRequest(r.interceptID)
	if headers != nil {
		params = params.WithHeaders(headerEntries(headers))
	}
	if err := r.page.run(ctx, params); err != nil {
		r.unclaim()
		return fmt.Errorf("continue %s: %w", r.url, err)
	}
	return nil
}

// Abort fails the paused request with net::ERR_ABORTED.
func (r *Request) Abort(ctx context.Context) error {
	if !r.claim(nil) {
		return browser.ErrAlreadyHandled
	}
	if err := r.page.run(ctx, fetch.FailRequest(r.interceptID, network.ErrorReasonAborted)); err != nil {
		r.unclaim()
		return fmt.Errorf("abort %s: %w", r.url, err)
	}
	return nil
}

func headerEntries(headers map[string]string) []*fetch.HeaderEntry {
	entries := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}
	return entries
}

// Response is a received response.
type Response struct {
	page      *Page
	req       *Request
	networkID network.RequestID
	url       string
	status    int
}

var _ browser.Response = (*Response)(nil)

func (r *Response) Request() browser.Request { return r.req }
func (r *Response) URL() string              { return r.url }
func (r *Response) Status() int              { return r.status }

// Body waits for the body to finish loading and returns it decoded.
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	ls := r.page.load(r.networkID)
	select {
	case <-ls.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for body of %s: %w", r.url, ctx.Err())
	}
	if ls.err != nil {
		return nil, ls.err
	}

	var body []byte
	err := r.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(r.networkID).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("body of %s: %w", r.url, err)
	}
	return body, nil
}
