// Package manifest embeds an ordered resource list into a caller-supplied template.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/critpath/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Literal returns urls as a JSON array literal. A nil list renders as [].
func Literal(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("failed to encode resource list: %w", err)
	}
	return string(b), nil
}

// Render replaces every occurrence of placeholder in template with the array literal
// of urls. It fails when the placeholder does not appear.
func Render(template, placeholder string, urls []string) (string, error) {
	if placeholder == "" {
		return "", fmt.Errorf("placeholder must not be empty")
	}
	if !strings.Contains(template, placeholder) {
		return "", fmt.Errorf("placeholder %q not found in template", placeholder)
	}
	literal, err := Literal(urls)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(template, placeholder, literal), nil
}

// RenderFile renders cfg.Template with urls. When cfg.Output is set the result is
// also written there, creating parent directories as needed.
func RenderFile(cfg config.ManifestConfig, urls []string) (string, error) {
	tmpl, err := os.ReadFile(cfg.Template)
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	out, err := Render(string(tmpl), cfg.Placeholder, urls)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cfg.Template, err)
	}
	if cfg.Output == "" {
		return out, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(cfg.Output, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return out, nil
}
