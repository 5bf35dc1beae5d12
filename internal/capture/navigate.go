package capture

import (
	"context"
	"time"

	"github.com/xkilldash9x/critpath/internal/browser"
)

// DefaultNavigationTimeout bounds the primary capture navigation.
const DefaultNavigationTimeout = 30 * time.Second

// Navigator drives a page to network idle within a fixed timeout.
type Navigator struct {
	Timeout   time.Duration
	WaitUntil browser.WaitCondition
}

// NewNavigator returns a Navigator waiting for network idle. A non-positive timeout
// selects DefaultNavigationTimeout.
func NewNavigator(timeout time.Duration) *Navigator {
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}
	return &Navigator{Timeout: timeout, WaitUntil: browser.WaitNetworkAlmostIdle}
}

// Navigate loads url in page. Any failure, including a timeout, is returned as a
// *browser.NavigationError.
func (n *Navigator) Navigate(ctx context.Context, page browser.Page, url string) error {
	err := page.Navigate(ctx, url, browser.NavigateOptions{
		WaitUntil: n.WaitUntil,
		Timeout:   n.Timeout,
	})
	if err != nil {
		return &browser.NavigationError{URL: url, Err: err}
	}
	return nil
}
