package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/gate"
	"github.com/xkilldash9x/critpath/internal/observability"
)

// DefaultDrainTimeout bounds the wait for response handlers still running when
// navigation settles.
const DefaultDrainTimeout = 5 * time.Second

// Stage transforms a capture result. Filters, rankers and criticality evaluators
// are all stages.
type Stage interface {
	Name() string
	Transform(ctx context.Context, in CaptureContext) (CaptureContext, error)
}

// StageFunc adapts a plain function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, in CaptureContext) (CaptureContext, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Transform(ctx context.Context, in CaptureContext) (CaptureContext, error) {
	return s.Fn(ctx, in)
}

// Engine captures the resources of a page and runs them through a stage pipeline.
type Engine struct {
	pages        browser.PageSource
	gate         *gate.Gate
	navigator    *Navigator
	stages       []Stage
	drainTimeout time.Duration
	logger       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drainTimeout = d
		}
	}
}

// NewEngine assembles an engine. Each Capture, stages included, runs under one permit
// of g.
func NewEngine(pages browser.PageSource, g *gate.Gate, nav *Navigator, stages []Stage, logger *zap.Logger, opts ...Option) *Engine {
	if nav == nil {
		nav = NewNavigator(0)
	}
	e := &Engine{
		pages:        pages,
		gate:         g,
		navigator:    nav,
		stages:       stages,
		drainTimeout: DefaultDrainTimeout,
		logger:       logger.Named("capture"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CaptureResources returns the URLs of the critical resources of url, in pipeline
// order. Only browser initialization and primary navigation failures are returned.
func (e *Engine) CaptureResources(ctx context.Context, url string) ([]string, error) {
	result, err := e.Capture(ctx, url)
	if err != nil {
		return nil, err
	}
	return result.URLs(), nil
}

// Capture is CaptureResources returning the full final context. The outer permit is
// held until the last stage returns, so validation pages opened by stages count
// against the same gate as capture pages.
func (e *Engine) Capture(ctx context.Context, url string) (CaptureContext, error) {
	ctx = observability.EnsureTrace(ctx, e.logger)
	logger := observability.LoggerFrom(ctx, e.logger).With(zap.String("url", url))
	start := time.Now()

	var result CaptureContext
	err := e.gate.Run(ctx, func(ctx context.Context) error {
		captured, err := e.capture(ctx, url)
		if err != nil {
			logger.Error("Capture failed.", zap.Error(err))
			return err
		}
		logger.Info("Capture finished.", zap.Int("resources", len(captured.Resources)), zap.Duration("elapsed", time.Since(start)))

		result, err = e.runStages(ctx, logger, captured)
		return err
	})
	if err != nil {
		return CaptureContext{}, err
	}
	return result, nil
}

func (e *Engine) runStages(ctx context.Context, logger *zap.Logger, in CaptureContext) (CaptureContext, error) {
	result := in
	for _, stage := range e.stages {
		before := len(result.Resources)
		out, err := stage.Transform(ctx, result)
		if err != nil {
			return CaptureContext{}, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		result = out
		logger.Debug("Stage applied.", zap.String("stage", stage.Name()), zap.Int("in", before), zap.Int("out", len(result.Resources)))
	}
	return result, nil
}

func (e *Engine) capture(ctx context.Context, url string) (CaptureContext, error) {
	lease, err := e.pages.AcquirePage(ctx)
	if err != nil {
		return CaptureContext{}, err
	}
	defer lease.Release(ctx)

	rec := NewRecorder(observability.LoggerFrom(ctx, e.logger))
	rec.Attach(ctx, lease)

	navErr := e.navigator.Navigate(ctx, lease, url)

	drainCtx, cancel := context.WithTimeout(ctx, e.drainTimeout)
	defer cancel()
	resources := rec.Finish(drainCtx)

	if navErr != nil {
		return CaptureContext{}, navErr
	}
	return CaptureContext{TargetURL: url, Resources: resources}, nil
}
