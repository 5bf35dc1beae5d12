package evaluate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/gate"
	"github.com/xkilldash9x/critpath/internal/observability"
)

// lcpObserverScript runs before any page script and records the latest
// largest-contentful-paint entry.
const lcpObserverScript = `(() => {
  window.__critpathLcp = null;
  window.__critpathLcpError = null;
  try {
    new PerformanceObserver((list) => {
      const entries = list.getEntries();
      const last = entries[entries.length - 1];
      if (last) {
        window.__critpathLcp = last.renderTime || last.startTime;
      }
    }).observe({ type: 'largest-contentful-paint', buffered: true });
  } catch (e) {
    window.__critpathLcpError = String((e && e.message) || e);
  }
})();`

const (
	lcpReadyExpr    = `window.__critpathLcp != null || window.__critpathLcpError != null`
	lcpReadbackExpr = `({ lcp: window.__critpathLcp ?? null, error: window.__critpathLcpError ?? null })`
)

type lcpReading struct {
	LCP   *float64 `json:"lcp"`
	Error *string  `json:"error"`
}

// LCP keeps a resource when holding its request back pushes Largest Contentful
// Paint close to the configured threshold. Evaluations run one at a time on a
// foregrounded page with the HTTP cache disabled.
type LCP struct {
	pages     browser.PageSource
	cfg       config.LCPConfig
	gate      *gate.Gate
	navigator *capture.Navigator
	logger    *zap.Logger
}

var _ capture.Stage = (*LCP)(nil)

// NewLCP creates the evaluator with its own gate of cfg.Concurrency permits.
func NewLCP(pages browser.PageSource, cfg config.LCPConfig, logger *zap.Logger) *LCP {
	return &LCP{
		pages:     pages,
		cfg:       cfg,
		gate:      gate.New("lcp", cfg.Concurrency),
		navigator: capture.NewNavigator(cfg.EffectiveNavigationTimeout()),
		logger:    logger.Named("lcp"),
	}
}

func (e *LCP) Name() string { return "lcp" }

func (e *LCP) Transform(ctx context.Context, in capture.CaptureContext) (capture.CaptureContext, error) {
	return retainCritical(ctx, e.gate, in, e.judge)
}

// cutoff is the LCP at or above which a delayed resource counts as critical.
func (e *LCP) cutoff() float64 {
	return float64(e.cfg.Threshold.Milliseconds()) * e.cfg.ProximityRatio
}

func (e *LCP) judge(ctx context.Context, target string, res capture.CapturedResource) bool {
	logger := observability.LoggerFrom(ctx, e.logger).With(zap.String("resource", res.URL))

	if sameResource(res.URL, target) {
		logger.Debug("Main document is always critical.")
		return true
	}

	lcp, err := e.measure(ctx, target, res.URL)
	if err != nil {
		logger.Error("LCP measurement failed. Keeping resource.", zap.Error(err))
		return true
	}

	critical := lcp >= e.cutoff()
	logger.Debug("Measured LCP with delayed resource.",
		zap.Float64("lcp_ms", lcp),
		zap.Float64("cutoff_ms", e.cutoff()),
		zap.Bool("critical", critical),
	)
	return critical
}

// measure loads target with the candidate's request held back and returns the
// resulting LCP in milliseconds.
func (e *LCP) measure(ctx context.Context, target, candidate string) (float64, error) {
	lease, err := e.pages.AcquirePage(ctx)
	if err != nil {
		return 0, err
	}
	defer lease.Release(ctx)

	if err := lease.BringToFront(ctx); err != nil {
		return 0, err
	}
	if err := lease.SetCacheEnabled(ctx, false); err != nil {
		return 0, err
	}
	if err := lease.EvaluateOnNewDocument(ctx, lcpObserverScript); err != nil {
		return 0, err
	}

	var (
		timersMu sync.Mutex
		timers   []*time.Timer
	)
	defer func() {
		timersMu.Lock()
		defer timersMu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	}()

	delay := e.cfg.EffectiveResourceDelay()
	lease.OnRequest(observability.BindEvent(ctx, func(ctx context.Context, req browser.Request) {
		if req.IsHandled() {
			return
		}
		if !sameResource(req.URL(), candidate) {
			e.resume(ctx, req)
			return
		}
		t := time.AfterFunc(delay, func() {
			if req.IsHandled() {
				return
			}
			e.resume(ctx, req)
		})
		timersMu.Lock()
		timers = append(timers, t)
		timersMu.Unlock()
	}))
	lease.OnResponse(observability.BindEvent(ctx, func(ctx context.Context, resp browser.Response) {
		if resp.Status() >= 400 {
			observability.LoggerFrom(ctx, e.logger).Warn("Error response during LCP measurement.",
				zap.String("request", resp.URL()),
				zap.Int("status", resp.Status()),
			)
		}
	}))

	if err := e.navigator.Navigate(ctx, lease, target); err != nil {
		return 0, err
	}

	logger := observability.LoggerFrom(ctx, e.logger)
	if err := lease.WaitForFunction(ctx, lcpReadyExpr, e.cfg.PollTimeout); err != nil {
		// the readback below decides whether anything usable was recorded
		logger.Debug("LCP entry did not appear in time.", zap.Error(err))
	}
	if err := sleep(ctx, e.cfg.BufferWait); err != nil {
		return 0, err
	}

	var reading lcpReading
	if err := lease.Evaluate(ctx, lcpReadbackExpr, &reading); err != nil {
		return 0, err
	}
	if reading.Error != nil {
		logger.Warn("LCP observer reported an error.", zap.String("error", *reading.Error))
	}
	if reading.LCP == nil {
		return 0, errors.New("no LCP entry recorded")
	}
	return *reading.LCP, nil
}

func (e *LCP) resume(ctx context.Context, req browser.Request) {
	if err := req.Continue(ctx, nil); err != nil && !errors.Is(err, browser.ErrAlreadyHandled) {
		observability.LoggerFrom(ctx, e.logger).Warn("Failed to continue request.",
			zap.String("request", req.URL()),
			zap.Error(err),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
