// internal/browser/lease.go
package browser

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const releaseTimeout = 10 * time.Second

// PageLease is a page borrowed from a Session. Release must run on every exit path;
// it is safe to call more than once.
type PageLease struct {
	Page

	debug  bool
	logger *zap.Logger
	once   sync.Once
}

func newPageLease(page Page, debug bool, logger *zap.Logger) *PageLease {
	return &PageLease{Page: page, debug: debug, logger: logger}
}

// Release closes the page unless it is already closed or the session runs in debug
// mode. Close failures are logged and swallowed. The close runs on a context detached
// from ctx's cancellation, so a cancelled caller still frees the tab.
func (l *PageLease) Release(ctx context.Context) {
	l.once.Do(func() {
		if l.debug {
			l.logger.Debug("Debug mode: leaving page open for inspection.")
			return
		}
		if l.Page.IsClosed() {
			return
		}

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.Page.Close(closeCtx); err != nil {
			l.logger.Warn("Failed to close page.", zap.Error(err))
		}
	})
}
