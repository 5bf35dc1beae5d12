package evaluate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/browser/browsertest"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/evaluate"
)

const heldDelay = 40 * time.Millisecond

// cutoff is 90ms: 100ms threshold at 0.9 proximity.
var lcpCfg = config.LCPConfig{
	Concurrency:       1,
	Threshold:         100 * time.Millisecond,
	ProximityRatio:    0.9,
	PollTimeout:       time.Second,
	BufferWait:        time.Millisecond,
	ResourceDelay:     heldDelay,
	NavigationTimeout: 2 * time.Second,
}

// lcpByHeldRequest reports the LCP listed for whichever request the evaluator held back.
func lcpByHeldRequest(table map[string]float64) func(p *browsertest.Page, expr string) (any, error) {
	return func(p *browsertest.Page, _ string) (any, error) {
		for _, o := range p.Outcomes() {
			if o.Delay < heldDelay/2 {
				continue
			}
			if v, ok := table[o.URL]; ok {
				return map[string]any{"lcp": v, "error": nil}, nil
			}
		}
		return map[string]any{"lcp": nil, "error": "nothing held"}, nil
	}
}

func lcpPage(eval func(p *browsertest.Page, expr string) (any, error)) func() *browsertest.Page {
	return func() *browsertest.Page {
		return &browsertest.Page{Resources: shopResources, EvaluateFunc: eval}
	}
}

func TestLCPKeepsResourcesThatPushLCPPastCutoff(t *testing.T) {
	launcher, session := newSession(t, lcpPage(lcpByHeldRequest(map[string]float64{
		"https://shop.test/app.js":       95,
		"https://shop.test/vendor.js":    90,
		"https://shop.test/analytics.js": 40,
	})))
	stage := evaluate.NewLCP(session, lcpCfg, zaptest.NewLogger(t))

	in := scriptsOf(target+"#main", "https://shop.test/app.js", "https://shop.test/analytics.js", "https://shop.test/vendor.js")
	out, err := stage.Transform(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{target + "#main", "https://shop.test/app.js", "https://shop.test/vendor.js"}, out.URLs())

	pages := launcher.Pages()
	require.Len(t, pages, 3, "the main document is never measured")
	for _, p := range pages {
		assert.True(t, p.BroughtToFront())
		assert.False(t, p.CacheEnabled())
		require.Len(t, p.Scripts(), 1)
		assert.Contains(t, p.Scripts()[0], "largest-contentful-paint")
		assert.Len(t, p.Evaluations(), 1)
		assert.True(t, p.IsClosed())

		var held int
		for _, o := range p.Outcomes() {
			assert.Equal(t, browsertest.ActionContinued, o.Action, o.URL)
			if o.Delay >= heldDelay {
				held++
			}
		}
		assert.Equal(t, 1, held, "exactly one request is delayed")
	}
}

func TestLCPPagesAreMeasuredOneAtATime(t *testing.T) {
	_, session := newSession(t, lcpPage(lcpByHeldRequest(map[string]float64{
		"https://shop.test/app.js":    10,
		"https://shop.test/vendor.js": 10,
	})))
	stage := evaluate.NewLCP(session, lcpCfg, zaptest.NewLogger(t))

	start := time.Now()
	out, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/app.js", "https://shop.test/vendor.js"))
	require.NoError(t, err)
	assert.Empty(t, out.Resources)
	assert.GreaterOrEqual(t, time.Since(start), 2*heldDelay)
}

func TestLCPFailuresKeepResource(t *testing.T) {
	cases := map[string]struct {
		page    func() *browsertest.Page
		message string
	}{
		"readback fails": {
			page: lcpPage(func(*browsertest.Page, string) (any, error) {
				return nil, errors.New("Execution context was destroyed")
			}),
			message: "LCP measurement failed. Keeping resource.",
		},
		"no entry recorded": {
			page: lcpPage(func(*browsertest.Page, string) (any, error) {
				return map[string]any{"lcp": nil, "error": "PerformanceObserver is not defined"}, nil
			}),
			message: "LCP observer reported an error.",
		},
		"navigation fails": {
			page: func() *browsertest.Page {
				return &browsertest.Page{Resources: shopResources, NavigateErr: errors.New("net::ERR_ABORTED")}
			},
			message: "LCP measurement failed. Keeping resource.",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			launcher, session := newSession(t, tc.page)
			stage := evaluate.NewLCP(session, lcpCfg, zap.New(core))

			out, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/analytics.js"))
			require.NoError(t, err)

			assert.Equal(t, []string{"https://shop.test/analytics.js"}, out.URLs())
			assert.Equal(t, 1, logs.FilterMessage(tc.message).Len())
			for _, p := range launcher.Pages() {
				assert.True(t, p.IsClosed())
			}
		})
	}
}

func TestLCPObserverErrorDoesNotDiscardMeasurement(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	_, session := newSession(t, lcpPage(func(*browsertest.Page, string) (any, error) {
		return map[string]any{"lcp": 12.5, "error": "buffered entries unsupported"}, nil
	}))
	stage := evaluate.NewLCP(session, lcpCfg, zap.New(core))

	out, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/analytics.js"))
	require.NoError(t, err)
	assert.Empty(t, out.Resources)
	assert.Equal(t, 1, logs.FilterMessage("LCP observer reported an error.").Len())
}

func TestLCPPollTimeoutStillReadsBack(t *testing.T) {
	_, session := newSession(t, func() *browsertest.Page {
		return &browsertest.Page{
			Resources:    shopResources,
			EvaluateFunc: lcpByHeldRequest(map[string]float64{"https://shop.test/app.js": 99}),
			WaitFunc: func(_ *browsertest.Page, expr string) error {
				if !strings.Contains(expr, "__critpathLcp") {
					return errors.New("unexpected predicate")
				}
				return errors.New("waiting for function failed: timeout")
			},
		}
	})
	stage := evaluate.NewLCP(session, lcpCfg, zaptest.NewLogger(t))

	out, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/app.js"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/app.js"}, out.URLs())
}

func TestLCPWarnsOnErrorResponses(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	_, session := newSession(t, func() *browsertest.Page {
		return &browsertest.Page{
			Resources: []browsertest.Resource{
				{URL: target, Type: browser.ResourceDocument},
				{URL: "https://shop.test/app.js"},
				{URL: "https://shop.test/fonts.css", Type: browser.ResourceStylesheet, Status: 503},
			},
			EvaluateFunc: lcpByHeldRequest(map[string]float64{"https://shop.test/app.js": 20}),
		}
	})
	stage := evaluate.NewLCP(session, lcpCfg, zap.New(core))

	_, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/app.js"))
	require.NoError(t, err)

	warns := logs.FilterMessage("Error response during LCP measurement.").All()
	require.Len(t, warns, 1)
	assert.Equal(t, "https://shop.test/fonts.css", warns[0].ContextMap()["request"])
}
