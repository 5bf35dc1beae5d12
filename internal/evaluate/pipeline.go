package evaluate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
)

// Deps are the collaborators the criticality evaluators need.
type Deps struct {
	Pages  browser.PageSource
	Config *config.Config
	Logger *zap.Logger
}

// Pipeline assembles the stages for a named strategy.
func Pipeline(name string, deps Deps) ([]capture.Stage, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch name {
	case config.StrategyAllJS:
		return []capture.Stage{ScriptOnly(), SizeRank{}}, nil
	case config.StrategyJSAndCSS:
		return []capture.Stage{ScriptAndStyle(), SizeRank{}}, nil
	case config.StrategyBlankScreen:
		if deps.Pages == nil {
			return nil, fmt.Errorf("strategy %s needs a page source", name)
		}
		return []capture.Stage{ScriptOnly(), NewBlankScreen(deps.Pages, cfg.BlankScreen, logger), SizeRank{}}, nil
	case config.StrategyLCP:
		if deps.Pages == nil {
			return nil, fmt.Errorf("strategy %s needs a page source", name)
		}
		return []capture.Stage{ScriptOnly(), NewLCP(deps.Pages, cfg.LCP, logger), SizeRank{}}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q, expected one of %s", name, strings.Join(config.Strategies, ", "))
	}
}
