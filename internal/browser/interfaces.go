// internal/browser/interfaces.go
package browser

import (
	"context"
	"time"
)

// WaitCondition names the lifecycle milestone Navigate waits for.
type WaitCondition string

const (
	// WaitNetworkAlmostIdle resolves once no more than two network connections have been
	// in flight for at least 500ms.
	WaitNetworkAlmostIdle WaitCondition = "networkAlmostIdle"
	// WaitLoad resolves on the document load event.
	WaitLoad WaitCondition = "load"
)

// Resource types reported by Request.ResourceType. Drivers normalise to lower case.
const (
	ResourceDocument   = "document"
	ResourceScript     = "script"
	ResourceStylesheet = "stylesheet"
	ResourceImage      = "image"
	ResourceFont       = "font"
	ResourceXHR        = "xhr"
	ResourceFetch      = "fetch"
	ResourceOther      = "other"
)

// LaunchOptions control how a browser process is started.
type LaunchOptions struct {
	Headless       bool
	Args           []string
	ExecutablePath string
}

// NavigateOptions bound a single navigation.
type NavigateOptions struct {
	WaitUntil WaitCondition
	Timeout   time.Duration
}

// ScreenshotOptions configure a JPEG viewport capture.
type ScreenshotOptions struct {
	// Quality is the JPEG quality, 0-100.
	Quality int
}

// PageSource hands out leased pages. Session is the production implementation.
type PageSource interface {
	AcquirePage(ctx context.Context) (*PageLease, error)
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
	Connected() bool
	// OnDisconnected registers a handler fired once when the connection to the
	// browser drops for any reason other than Close.
	OnDisconnected(handler func())
}

// RequestHandler observes (and, with interception enabled, resolves) outgoing requests.
type RequestHandler func(ctx context.Context, req Request)

// ResponseHandler observes received responses.
type ResponseHandler func(ctx context.Context, resp Response)

// Page is a single browser tab.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) error

	OnRequest(handler RequestHandler)
	OnResponse(handler ResponseHandler)
	SetRequestInterception(ctx context.Context, enabled bool) error

	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	// Evaluate runs expr in the page and decodes its JSON-serialisable result into out.
	// out may be nil when the result is not needed.
	Evaluate(ctx context.Context, expr string, out any) error
	EvaluateOnNewDocument(ctx context.Context, source string) error
	// WaitForFunction polls expr until it is truthy or timeout elapses.
	WaitForFunction(ctx context.Context, expr string, timeout time.Duration) error

	BringToFront(ctx context.Context) error
	SetCacheEnabled(ctx context.Context, enabled bool) error

	Close(ctx context.Context) error
	IsClosed() bool
}

// Request is an outgoing request. With interception enabled it stays paused until
// exactly one of Continue or Abort succeeds; later calls return ErrAlreadyHandled.
type Request interface {
	ID() string
	Method() string
	// URL is the request URL without any fragment.
	URL() string
	ResourceType() string
	// Headers returns the headers as they will be (or were) sent, including overrides
	// passed to Continue.
	Headers() map[string]string
	IsHandled() bool
	// Continue resumes the request. A non-nil headers map replaces the request headers.
	Continue(ctx context.Context, headers map[string]string) error
	Abort(ctx context.Context) error
}

// Response is a received response.
type Response interface {
	Request() Request
	URL() string
	Status() int
	// Body blocks until the body has been received.
	Body(ctx context.Context) ([]byte, error)
}
