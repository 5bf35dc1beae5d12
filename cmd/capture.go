package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/browser"
	"github.com/xkilldash9x/critpath/internal/browser/cdp"
	"github.com/xkilldash9x/critpath/internal/capture"
	"github.com/xkilldash9x/critpath/internal/config"
	"github.com/xkilldash9x/critpath/internal/evaluate"
	"github.com/xkilldash9x/critpath/internal/gate"
	"github.com/xkilldash9x/critpath/internal/manifest"
	"github.com/xkilldash9x/critpath/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newLauncher builds the browser launcher for a capture. Tests replace it.
var newLauncher = func(logger *zap.Logger) browser.Launcher {
	return cdp.NewLauncher(logger)
}

// captureFlags maps each flag to the configuration key it overrides.
var captureFlags = map[string]string{
	"strategy":    "capture.strategy",
	"concurrency": "capture.concurrency",
	"debug":       "browser.debug",
	"executable":  "browser.executable_path",
	"template":    "manifest.template",
	"placeholder": "manifest.placeholder",
	"output":      "manifest.output",
}

func newCaptureCmd(v *viper.Viper) *cobra.Command {
	var verbose bool

	captureCmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Capture a page and print its critical resources, largest first",
		Long: `Loads the page in a headless browser, records every successful GET it makes and
runs the result through the selected strategy:

  all-js        scripts
  js-css        scripts and stylesheets
  blank-screen  scripts without which the page renders blank
  lcp           scripts whose delay pushes Largest Contentful Paint past the threshold

The ordered URL list is printed as a JSON array, or embedded into --template.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runCapture(cmd.Context(), cfg, args[0], verbose, cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	flags := captureCmd.Flags()
	flags.StringP("strategy", "s", config.StrategyAllJS, "resource selection strategy: "+strings.Join(config.Strategies, ", "))
	flags.Int("concurrency", 5, "maximum concurrent capture page sessions")
	flags.Bool("debug", false, "run a visible browser and keep measurement pages open")
	flags.String("executable", "", "path to the Chrome/Chromium binary")
	flags.String("template", "", "template file to embed the resource list into")
	flags.String("placeholder", "__PREFETCH_RESOURCES__", "token in the template replaced by the resource list")
	flags.StringP("output", "o", "", "write the rendered template here instead of stdout")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print the full capture result with sizes and timings")

	for name, key := range captureFlags {
		// Lookup cannot fail for flags registered above.
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return captureCmd
}

func runCapture(ctx context.Context, cfg *config.Config, target string, verbose bool, out io.Writer, logger *zap.Logger) error {
	target = normalizeTarget(target)

	session := browser.NewSession(newLauncher(logger), cfg.Browser, logger)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close browser.", zap.Error(err))
		}
	}()

	stages, err := evaluate.Pipeline(cfg.Capture.Strategy, evaluate.Deps{Pages: session, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	engine := capture.NewEngine(
		session,
		gate.New("capture", cfg.Capture.Concurrency),
		capture.NewNavigator(cfg.Capture.NavigationTimeout),
		stages,
		logger,
		capture.WithDrainTimeout(cfg.Capture.DrainTimeout),
	)

	logger.Info("Starting capture.", zap.String("url", target), zap.String("strategy", cfg.Capture.Strategy))
	result, err := engine.Capture(ctx, target)
	if err != nil {
		return fmt.Errorf("capture of %s failed: %w", target, err)
	}
	urls := result.URLs()

	if cfg.Manifest.Template != "" {
		rendered, err := manifest.RenderFile(cfg.Manifest, urls)
		if err != nil {
			return err
		}
		if cfg.Manifest.Output != "" {
			logger.Info("Manifest written.", zap.String("path", cfg.Manifest.Output), zap.Int("resources", len(urls)))
		} else if _, err := io.WriteString(out, rendered); err != nil {
			return err
		}
		if !verbose {
			return nil
		}
	}

	var payload any = urls
	if verbose {
		payload = result
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

// normalizeTarget defaults a bare host to https.
func normalizeTarget(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return "https://" + target
}
