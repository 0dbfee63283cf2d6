package repocfg

import (
	"context"
	"errors"
	"testing"
)

type mockFetcher struct {
	data []byte
	err  error
}

func (m *mockFetcher) FetchRepoConfig(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	return m.data, m.err
}

func TestParse_FullConfig(t *testing.T) {
	raw := []byte(`
review:
  enabled: true
  style: false
  severity_threshold: medium
  ignore_patterns:
    - "generated/**"
    - "**/*_gen.go"
  language_rules:
    go: "prefer table tests"
  custom_guidelines: "error messages are lowercase"
`)
	cfg := Parse(raw, "acme/api")
	if !cfg.Enabled() {
		t.Error("expected enabled")
	}
	if cfg.StyleEnabled() {
		t.Error("expected style disabled")
	}
	if cfg.Review.SeverityThreshold != "medium" {
		t.Errorf("unexpected threshold %q", cfg.Review.SeverityThreshold)
	}
	if len(cfg.Review.IgnorePatterns) != 2 {
		t.Errorf("unexpected patterns %v", cfg.Review.IgnorePatterns)
	}
	if cfg.Review.LanguageRules["go"] == "" {
		t.Error("missing language rule")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg := Parse(nil, "acme/api")
	if !cfg.Enabled() || !cfg.StyleEnabled() {
		t.Error("defaults must enable review and style")
	}
	if cfg.Review.SeverityThreshold != "" {
		t.Errorf("unexpected threshold %q", cfg.Review.SeverityThreshold)
	}
}

func TestParse_MalformedFallsBack(t *testing.T) {
	cfg := Parse([]byte("review: [not: valid: yaml"), "acme/api")
	if !cfg.Enabled() {
		t.Error("malformed config must yield defaults")
	}
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	cfg := Load(context.Background(), &mockFetcher{err: errors.New("404")}, "acme", "api", "base-sha")
	if !cfg.Enabled() {
		t.Error("missing file must yield defaults")
	}
}

func TestLoad_UsesFetchedContent(t *testing.T) {
	cfg := Load(context.Background(), &mockFetcher{data: []byte("review:\n  enabled: false\n")}, "acme", "api", "base-sha")
	if cfg.Enabled() {
		t.Error("expected review disabled by repo config")
	}
}
