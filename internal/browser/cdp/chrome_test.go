package cdp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/browser/cdp"
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/gate"
)

// chromePath finds a Chrome binary or skips the test.
func chromePath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if p := os.Getenv("CRITPATH_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary found")
	return ""
}

func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><head><title>shop</title><script src="/script.js"></script></head><body><h1>Shop</h1></body></html>`))
	})
	mux.HandleFunc("/script.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		body := "document.title = 'loaded';" + strings.Repeat(" ", 1024-len("document.title = 'loaded';"))
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newSession(t *testing.T) *browser.Session {
	t.Helper()
	logger := zaptest.NewLogger(t)
	session := browser.NewSession(cdp.NewLauncher(logger), config.BrowserConfig{
		ExecutablePath: chromePath(t),
		LaunchTimeout:  30 * time.Second,
	}, logger)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestChromeCapturesScript(t *testing.T) {
	session := newSession(t)
	srv := newShop(t)
	engine := capture.NewEngine(session, gate.New("capture", 1), capture.NewNavigator(30*time.Second), nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := engine.Capture(ctx, srv.URL+"/")
	require.NoError(t, err)

	var script *capture.CapturedResource
	for i := range result.Resources {
		if result.Resources[i].URL == srv.URL+"/script.js" {
			script = &result.Resources[i]
		}
	}
	require.NotNil(t, script, "captured: %v", result.URLs())
	assert.Equal(t, browser.ResourceScript, script.Type)
	assert.Equal(t, 200, script.Status)
	assert.InDelta(t, 1.0, script.SizeKB, 0.01)
}

func TestChromeAbortsInterceptedRequest(t *testing.T) {
	session := newSession(t)
	srv := newShop(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	lease, err := session.AcquirePage(ctx)
	require.NoError(t, err)
	defer lease.Release(ctx)

	lease.OnRequest(func(ctx context.Context, req browser.Request) {
		if strings.HasSuffix(req.URL(), "/script.js") {
			_ = req.Abort(ctx)
			return
		}
		_ = req.Continue(ctx, nil)
	})
	require.NoError(t, lease.Navigate(ctx, srv.URL+"/", browser.NavigateOptions{
		WaitUntil: browser.WaitNetworkAlmostIdle,
		Timeout:   30 * time.Second,
	}))

	var title string
	require.NoError(t, lease.Evaluate(ctx, `document.title`, &title))
	assert.Equal(t, "shop", title, "the aborted script never ran")

	shot, err := lease.Screenshot(ctx, browser.ScreenshotOptions{Quality: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
}
