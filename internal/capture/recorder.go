package capture

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/observability"
)

// CorrelationHeader carries the recorder's sequence id on every tagged GET.
const CorrelationHeader = "x-critpath-request-id"

const bodyReadTimeout = 30 * time.Second

type correlation struct {
	url   string
	start time.Time
}

// Recorder correlates the requests and responses of one page during one capture.
//
// Each GET is tagged with a fresh sequence id before it leaves the browser, and the
// id is read back off the response's request to find the start time. Ids are never
// reused, so interleaved responses cannot consume each other's entries.
type Recorder struct {
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	seq       int64
	pending   map[int64]correlation
	resources []CapturedResource
	active    int
	draining  bool
	sealed    bool
	drained   chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{
		logger:  logger.Named("recorder"),
		now:     time.Now,
		pending: make(map[int64]correlation),
	}
}

// Attach registers the recorder's handlers on page. Handlers run under the trace
// active in ctx, whichever goroutine the driver fires them on.
func (r *Recorder) Attach(ctx context.Context, page browser.Page) {
	page.OnRequest(observability.BindEvent(ctx, r.HandleRequest))
	page.OnResponse(observability.BindEvent(ctx, r.trackResponse))
}

// HandleRequest tags an intercepted GET and continues it. Failures are logged and
// the request is continued unmodified when still possible.
func (r *Recorder) HandleRequest(ctx context.Context, req browser.Request) {
	if req.IsHandled() {
		return
	}
	logger := observability.LoggerFrom(ctx, r.logger)

	if req.Method() != http.MethodGet {
		if err := req.Continue(ctx, nil); err != nil && !errors.Is(err, browser.ErrAlreadyHandled) {
			logger.Warn("Failed to continue request.", zap.String("method", req.Method()), zap.String("url", req.URL()), zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	r.seq++
	id := r.seq
	r.pending[id] = correlation{url: req.URL(), start: r.now()}
	r.mu.Unlock()

	headers := req.Headers()
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[CorrelationHeader] = strconv.FormatInt(id, 10)

	err := req.Continue(ctx, headers)
	if err == nil {
		return
	}

	// The tag never went out, so nothing will ever consume the entry.
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()

	if errors.Is(err, browser.ErrAlreadyHandled) {
		return
	}
	logger.Warn("Failed to tag request. Continuing unmodified.", zap.String("url", req.URL()), zap.Error(err))
	if req.IsHandled() {
		return
	}
	if err := req.Continue(ctx, nil); err != nil && !errors.Is(err, browser.ErrAlreadyHandled) {
		logger.Warn("Fallback continue failed.", zap.String("url", req.URL()), zap.Error(err))
	}
}

func (r *Recorder) trackResponse(ctx context.Context, resp browser.Response) {
	if !r.begin() {
		return
	}
	defer r.end()
	r.HandleResponse(ctx, resp)
}

// HandleResponse turns a response to a tagged GET into a CapturedResource. Untagged,
// unknown and non-2xx responses are ignored. A body that cannot be read counts as
// zero bytes.
func (r *Recorder) HandleResponse(ctx context.Context, resp browser.Response) {
	req := resp.Request()
	if req == nil || req.Method() != http.MethodGet {
		return
	}
	logger := observability.LoggerFrom(ctx, r.logger)

	raw, ok := headerValue(req.Headers(), CorrelationHeader)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Debug("Ignoring malformed correlation id.", zap.String("value", raw), zap.String("url", resp.URL()))
		return
	}

	r.mu.Lock()
	entry, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	status := resp.Status()
	if status < 200 || status >= 300 {
		logger.Debug("Ignoring non-2xx response.", zap.Int("status", status), zap.String("url", entry.url))
		return
	}

	var sizeKB float64
	bodyCtx, cancel := context.WithTimeout(ctx, bodyReadTimeout)
	body, err := resp.Body(bodyCtx)
	cancel()
	if err != nil {
		logger.Warn("Failed to read response body. Recording size 0.", zap.String("url", entry.url), zap.Error(err))
	} else {
		sizeKB = float64(len(body)) / 1024
	}

	end := r.now()
	res := CapturedResource{
		URL:          entry.url,
		Status:       status,
		Type:         req.ResourceType(),
		SizeKB:       sizeKB,
		RequestTime:  entry.start,
		ResponseTime: end,
		DurationMs:   float64(end.Sub(entry.start)) / float64(time.Millisecond),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, still := r.pending[id]; !still || r.sealed {
		return
	}
	delete(r.pending, id)
	r.resources = append(r.resources, res)
	logger.Debug("Captured resource.", zap.String("url", res.URL), zap.String("type", res.Type), zap.Float64("size_kb", res.SizeKB))
}

func (r *Recorder) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.active++
	return true
}

func (r *Recorder) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if r.active == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

// Finish stops accepting responses, waits until in-flight response handlers return
// or ctx is done, then abandons whatever correlation entries are left and returns
// the captured resources in the order they were recorded.
func (r *Recorder) Finish(ctx context.Context) []CapturedResource {
	logger := observability.LoggerFrom(ctx, r.logger)

	r.mu.Lock()
	r.draining = true
	var wait chan struct{}
	if r.active > 0 {
		wait = make(chan struct{})
		r.drained = wait
	}
	r.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			logger.Warn("Gave up waiting for in-flight responses.", zap.Error(ctx.Err()))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	if n := len(r.pending); n > 0 {
		logger.Debug("Abandoning unmatched requests.", zap.Int("count", n))
		clear(r.pending)
	}
	return append([]CapturedResource(nil), r.resources...)
}

// Pending returns the number of correlation entries still waiting for a response.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Resources returns a snapshot of the resources recorded so far.
func (r *Recorder) Resources() []CapturedResource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CapturedResource(nil), r.resources...)
}

// headerValue looks a header up case-insensitively. Browsers differ in the case they
// report header names with.
func headerValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
