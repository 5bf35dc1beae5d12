// Package evaluate holds the stages that narrow and order a capture result: type
// filters, size ranking and the criticality evaluators that re-render the page
// under a controlled perturbation.
package evaluate

import (
	"cmp"
	"context"
	"slices"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/capture"
)

// TypeFilter keeps resources of the listed types, in capture order.
type TypeFilter struct {
	name  string
	types []string
}

var _ capture.Stage = TypeFilter{}

// ScriptOnly keeps scripts.
func ScriptOnly() TypeFilter {
	return TypeFilter{name: "script-only", types: []string{browser.ResourceScript}}
}

// ScriptAndStyle keeps scripts and stylesheets.
func ScriptAndStyle() TypeFilter {
	return TypeFilter{name: "script-and-style", types: []string{browser.ResourceScript, browser.ResourceStylesheet}}
}

func (f TypeFilter) Name() string { return f.name }

func (f TypeFilter) Transform(_ context.Context, in capture.CaptureContext) (capture.CaptureContext, error) {
	out := make([]capture.CapturedResource, 0, len(in.Resources))
	for _, r := range in.Resources {
		if slices.Contains(f.types, r.Type) {
			out = append(out, r)
		}
	}
	return in.WithResources(out), nil
}

// SizeRank orders resources largest first. Equal sizes keep their capture order.
type SizeRank struct{}

var _ capture.Stage = SizeRank{}

func (SizeRank) Name() string { return "size-rank" }

func (SizeRank) Transform(_ context.Context, in capture.CaptureContext) (capture.CaptureContext, error) {
	out := slices.Clone(in.Resources)
	slices.SortStableFunc(out, func(a, b capture.CapturedResource) int {
		return cmp.Compare(b.SizeKB, a.SizeKB)
	})
	return in.WithResources(out), nil
}
