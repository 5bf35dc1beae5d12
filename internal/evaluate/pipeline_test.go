package evaluate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/critpath/internal/browser/browsertest"
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/evaluate"
)

func stageNames(stages []capture.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	return names
}

func TestPipelineStages(t *testing.T) {
	_, session := newSession(t, func() *browsertest.Page { return &browsertest.Page{} })
	deps := evaluate.Deps{Pages: session, Config: config.NewDefaultConfig(), Logger: zaptest.NewLogger(t)}

	tests := []struct {
		strategy string
		want     []string
	}{
		{config.StrategyAllJS, []string{"script-only", "size-rank"}},
		{config.StrategyJSAndCSS, []string{"script-and-style", "size-rank"}},
		{config.StrategyBlankScreen, []string{"script-only", "blank-screen", "size-rank"}},
		{config.StrategyLCP, []string{"script-only", "lcp", "size-rank"}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			stages, err := evaluate.Pipeline(tt.strategy, deps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stageNames(stages))
		})
	}
}

func TestPipelineErrors(t *testing.T) {
	_, err := evaluate.Pipeline("fastest", evaluate.Deps{})
	assert.ErrorContains(t, err, `unknown strategy "fastest"`)

	_, err = evaluate.Pipeline(config.StrategyLCP, evaluate.Deps{})
	assert.ErrorContains(t, err, "needs a page source")

	stages, err := evaluate.Pipeline(config.StrategyAllJS, evaluate.Deps{})
	require.NoError(t, err, "type-only pipelines need no browser")
	assert.Len(t, stages, 2)
}
