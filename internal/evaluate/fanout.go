package evaluate

import (
	"context"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/gate"
)

// judgeFunc decides whether one resource is critical. It never fails: measurement
// problems resolve to true.
type judgeFunc func(ctx context.Context, target string, res capture.CapturedResource) bool

// retainCritical judges every resource under g and returns the critical ones in their
// original order. Only a failure to obtain a gate permit (ctx done) is returned.
func retainCritical(ctx context.Context, g *gate.Gate, in capture.CaptureContext, judge judgeFunc) (capture.CaptureContext, error) {
	keep := make([]bool, len(in.Resources))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, res := range in.Resources {
		eg.Go(func() error {
			return g.Run(egCtx, func(ctx context.Context) error {
				keep[i] = judge(ctx, in.TargetURL, res)
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return capture.CaptureContext{}, err
	}

	out := make([]capture.CapturedResource, 0, len(in.Resources))
	for i, res := range in.Resources {
		if keep[i] {
			out = append(out, res)
		}
	}
	return in.WithResources(out), nil
}

// sameResource compares two URLs ignoring fragments.
func sameResource(a, b string) bool {
	return stripFragment(a) == stripFragment(b)
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
