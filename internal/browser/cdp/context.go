// internal/browser/cdp/context.go
package cdp

import (
	"context"

	"github.com/chromedp/chromedp"
)

// combineContext returns a context carrying the values of tabCtx (the chromedp
// target) that is cancelled when either tabCtx or opCtx is done. Cancelling it does
// not close the tab.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// runOn executes actions against the target held by tabCtx, bounded by opCtx.
func runOn(tabCtx, opCtx context.Context, actions ...chromedp.Action) error {
	ctx, cancel := combineContext(tabCtx, opCtx)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}
