// Package capture renders a page under request interception and records the
// resources it loads.
package capture

import "time"

// CapturedResource is one successful GET observed during a capture.
type CapturedResource struct {
	URL          string    `json:"url"`
	Status       int       `json:"status"`
	Type         string    `json:"type"`
	SizeKB       float64   `json:"sizeKB"`
	RequestTime  time.Time `json:"requestTime"`
	ResponseTime time.Time `json:"responseTime"`
	DurationMs   float64   `json:"durationMs"`
}

// CaptureContext is the result of a capture pass. Stages return a new context
// rather than modifying the one they receive.
type CaptureContext struct {
	TargetURL string             `json:"targetUrl"`
	Resources []CapturedResource `json:"capturedResources"`
}

// WithResources returns a copy of c carrying resources.
func (c CaptureContext) WithResources(resources []CapturedResource) CaptureContext {
	return CaptureContext{TargetURL: c.TargetURL, Resources: resources}
}

// URLs returns the resource URLs in order.
func (c CaptureContext) URLs() []string {
	urls := make([]string, 0, len(c.Resources))
	for _, r := range c.Resources {
		urls = append(urls, r.URL)
	}
	return urls
}
