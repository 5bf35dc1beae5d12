package evaluate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/gate"
	"github.com/xkilldash9x/critpath/internal/observability"
)

// BlankScreen keeps a resource when the page renders blank without it. Each
// candidate is judged on a fresh page that aborts only that candidate's request.
// Any failure along the way keeps the resource.
type BlankScreen struct {
	pages     browser.PageSource
	cfg       config.BlankScreenConfig
	gate      *gate.Gate
	navigator *capture.Navigator
	logger    *zap.Logger
}

var _ capture.Stage = (*BlankScreen)(nil)

// NewBlankScreen creates the evaluator with its own gate of cfg.Concurrency permits.
func NewBlankScreen(pages browser.PageSource, cfg config.BlankScreenConfig, logger *zap.Logger) *BlankScreen {
	return &BlankScreen{
		pages:     pages,
		cfg:       cfg,
		gate:      gate.New("blank_screen", cfg.Concurrency),
		navigator: capture.NewNavigator(cfg.NavigationTimeout),
		logger:    logger.Named("blank_screen"),
	}
}

func (e *BlankScreen) Name() string { return "blank-screen" }

func (e *BlankScreen) Transform(ctx context.Context, in capture.CaptureContext) (capture.CaptureContext, error) {
	return retainCritical(ctx, e.gate, in, e.judge)
}

func (e *BlankScreen) judge(ctx context.Context, target string, res capture.CapturedResource) bool {
	logger := observability.LoggerFrom(ctx, e.logger).With(zap.String("resource", res.URL))

	lease, err := e.pages.AcquirePage(ctx)
	if err != nil {
		logger.Error("Could not open evaluation page. Keeping resource.", zap.Error(err))
		return true
	}
	defer lease.Release(ctx)

	lease.OnRequest(observability.BindEvent(ctx, func(ctx context.Context, req browser.Request) {
		if req.IsHandled() {
			return
		}
		reqLogger := observability.LoggerFrom(ctx, e.logger).With(zap.String("request", req.URL()))
		if sameResource(req.URL(), res.URL) {
			if err := req.Abort(ctx); err != nil && !errors.Is(err, browser.ErrAlreadyHandled) {
				reqLogger.Warn("Failed to abort candidate request.", zap.Error(err))
			}
			return
		}
		if err := req.Continue(ctx, nil); err != nil && !errors.Is(err, browser.ErrAlreadyHandled) {
			reqLogger.Warn("Failed to continue request.", zap.Error(err))
		}
	}))

	if err := e.navigator.Navigate(ctx, lease, target); err != nil {
		logger.Error("Navigation without resource failed. Keeping resource.", zap.Error(err))
		return true
	}

	shot, err := lease.Screenshot(ctx, browser.ScreenshotOptions{Quality: e.cfg.JPEGQuality})
	if err != nil {
		logger.Error("Screenshot failed. Keeping resource.", zap.Error(err))
		return true
	}
	deviation, err := Deviation(shot, e.cfg.GridSize)
	if err != nil {
		logger.Error("Blankness measurement failed. Keeping resource.", zap.Error(err))
		return true
	}

	blank := isBlank(deviation, e.cfg.Threshold)
	logger.Debug("Measured page without resource.",
		zap.Float64("deviation", deviation),
		zap.Bool("blank", blank),
	)
	return blank
}
