package evaluate_test

import (
	"context"
	"errors"
	"image/color"
	"slices"
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
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/evaluate"
	"github.com/xkilldash9x/critpath/internal/gate"
)

var blankCfg = config.BlankScreenConfig{
	Concurrency:       3,
	Threshold:         8,
	GridSize:          50,
	JPEGQuality:       10,
	NavigationTimeout: time.Second,
}

var shopResources = []browsertest.Resource{
	{URL: target, Type: browser.ResourceDocument},
	{URL: "https://shop.test/app.js", Body: make([]byte, 40*1024)},
	{URL: "https://shop.test/vendor.js", Body: make([]byte, 90*1024)},
	{URL: "https://shop.test/analytics.js", Body: make([]byte, 10*1024)},
}

func scriptsOf(urls ...string) capture.CaptureContext {
	in := capture.CaptureContext{TargetURL: target}
	for _, u := range urls {
		in.Resources = append(in.Resources, capture.CapturedResource{URL: u, Type: browser.ResourceScript, Status: 200})
	}
	return in
}

// blankWithout renders a blank page whenever one of the given URLs was aborted.
func blankWithout(urls ...string) func(p *browsertest.Page) ([]byte, error) {
	return func(p *browsertest.Page) ([]byte, error) {
		for _, aborted := range p.Aborted() {
			if slices.Contains(urls, aborted) {
				return browsertest.SolidJPEG(160, 120, color.White), nil
			}
		}
		return browsertest.StripedJPEG(160, 120, 8), nil
	}
}

func TestBlankScreenKeepsResourcesWhoseRemovalBlanksThePage(t *testing.T) {
	launcher, session := newSession(t, func() *browsertest.Page {
		return &browsertest.Page{
			Resources:      shopResources,
			ScreenshotFunc: blankWithout("https://shop.test/app.js", "https://shop.test/vendor.js"),
		}
	})
	stage := evaluate.NewBlankScreen(session, blankCfg, zaptest.NewLogger(t))

	in := scriptsOf("https://shop.test/app.js", "https://shop.test/vendor.js", "https://shop.test/analytics.js")
	out, err := stage.Transform(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://shop.test/app.js", "https://shop.test/vendor.js"}, out.URLs())
	assert.Equal(t, target, out.TargetURL)

	pages := launcher.Pages()
	require.Len(t, pages, 3)
	var aborted []string
	for _, p := range pages {
		require.Len(t, p.Aborted(), 1, "only the candidate is removed")
		aborted = append(aborted, p.Aborted()[0])
		assert.Equal(t, []string{target}, p.Navigations())
		assert.True(t, p.IsClosed())
		for _, o := range p.Outcomes() {
			if o.Action != browsertest.ActionAborted {
				assert.Equal(t, browsertest.ActionContinued, o.Action, o.URL)
			}
		}
	}
	assert.ElementsMatch(t, in.URLs(), aborted)
}

func TestBlankScreenComparesWithoutFragment(t *testing.T) {
	_, session := newSession(t, func() *browsertest.Page {
		return &browsertest.Page{Resources: shopResources, ScreenshotFunc: blankWithout("https://shop.test/app.js")}
	})
	stage := evaluate.NewBlankScreen(session, blankCfg, zaptest.NewLogger(t))

	out, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/app.js#boot"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/app.js#boot"}, out.URLs())
}

func TestBlankScreenFailuresKeepResource(t *testing.T) {
	cases := map[string]struct {
		page    func() *browsertest.Page
		message string
	}{
		"navigation fails": {
			page: func() *browsertest.Page {
				return &browsertest.Page{Resources: shopResources, NavigateErr: errors.New("net::ERR_CONNECTION_RESET")}
			},
			message: "Navigation without resource failed. Keeping resource.",
		},
		"navigation times out": {
			page: func() *browsertest.Page {
				return &browsertest.Page{NavigateDelay: time.Minute}
			},
			message: "Navigation without resource failed. Keeping resource.",
		},
		"screenshot fails": {
			page: func() *browsertest.Page {
				return &browsertest.Page{Resources: shopResources}
			},
			message: "Screenshot failed. Keeping resource.",
		},
		"screenshot is not a jpeg": {
			page: func() *browsertest.Page {
				return &browsertest.Page{Resources: shopResources, ScreenshotFunc: func(*browsertest.Page) ([]byte, error) {
					return []byte("<png>"), nil
				}}
			},
			message: "Blankness measurement failed. Keeping resource.",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			launcher, session := newSession(t, tc.page)
			cfg := blankCfg
			cfg.NavigationTimeout = 200 * time.Millisecond
			stage := evaluate.NewBlankScreen(session, cfg, zap.New(core))

			in := scriptsOf("https://shop.test/app.js", "https://shop.test/analytics.js")
			out, err := stage.Transform(context.Background(), in)
			require.NoError(t, err)

			assert.Equal(t, in.URLs(), out.URLs())
			assert.Equal(t, 2, logs.FilterMessage(tc.message).FilterLevelExact(zapcore.ErrorLevel).Len())
			for _, p := range launcher.Pages() {
				assert.True(t, p.IsClosed())
			}
		})
	}
}

func TestBlankScreenPageFailureKeepsResource(t *testing.T) {
	launcher, session := newSession(t, func() *browsertest.Page { return &browsertest.Page{} })
	_, err := session.EnsureReady(context.Background())
	require.NoError(t, err)
	launcher.Last().NewPageErr = errors.New("target crashed")

	stage := evaluate.NewBlankScreen(session, blankCfg, zaptest.NewLogger(t))
	out, err := stage.Transform(context.Background(), scriptsOf("https://shop.test/app.js"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/app.js"}, out.URLs())
}

func TestBlankScreenStopsWhenCancelled(t *testing.T) {
	_, session := newSession(t, func() *browsertest.Page { return &browsertest.Page{} })
	stage := evaluate.NewBlankScreen(session, blankCfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := stage.Transform(ctx, scriptsOf("https://shop.test/app.js"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlankScreenPipelineOrdersLargestFirst(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, session := newSession(t, func() *browsertest.Page {
		return &browsertest.Page{
			Resources: []browsertest.Resource{
				{URL: target, Type: browser.ResourceDocument},
				{URL: "https://shop.test/b.js", Body: make([]byte, 5*1024)},
				{URL: "https://shop.test/a.js", Body: make([]byte, 50*1024)},
			},
			ScreenshotFunc: blankWithout("https://shop.test/a.js", "https://shop.test/b.js"),
		}
	})
	cfg := config.NewDefaultConfig()
	cfg.BlankScreen = blankCfg
	stages, err := evaluate.Pipeline(config.StrategyBlankScreen, evaluate.Deps{Pages: session, Config: cfg, Logger: logger})
	require.NoError(t, err)
	engine := capture.NewEngine(session, gate.New("capture", 5), capture.NewNavigator(time.Second), stages, logger)

	urls, err := engine.CaptureResources(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/a.js", "https://shop.test/b.js"}, urls)
}
