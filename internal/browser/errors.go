// internal/browser/errors.go
package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyHandled is returned when a paused request has already been continued or aborted.
	ErrAlreadyHandled = errors.New("request already handled")
	// ErrPageClosed is returned by page operations after Close.
	ErrPageClosed = errors.New("page is closed")
)

// BrowserInitError reports that no usable browser could be launched or connected.
type BrowserInitError struct {
	Err error
}

func (e *BrowserInitError) Error() string {
	return fmt.Sprintf("browser initialization failed: %v", e.Err)
}

func (e *BrowserInitError) Unwrap() error { return e.Err }

// NavigationError reports a failed or timed out navigation.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort a capture call. Every other failure is
// absorbed where it happens.
func IsFatal(err error) bool {
	var initErr *BrowserInitError
	var navErr *NavigationError
	return errors.As(err, &initErr) || errors.As(err, &navErr)
}
