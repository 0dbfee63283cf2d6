// Package repocfg loads the optional per-repo review configuration from the
// repository itself. The file is read at the PR's base commit so a PR cannot
// weaken its own review.
package repocfg

import (
	"context"
	"log/slog"

	"gopkg.in/yaml.v3"
)

// FileName is the in-repo configuration file.
const FileName = ".openrabbit.yml"

// Config is the full per-repo option set. Anything absent keeps its default.
type Config struct {
	Review struct {
		Enabled           *bool             `yaml:"enabled"`
		Style             *bool             `yaml:"style"`
		SeverityThreshold string            `yaml:"severity_threshold"`
		IgnorePatterns    []string          `yaml:"ignore_patterns"`
		LanguageRules     map[string]string `yaml:"language_rules"`
		CustomGuidelines  string            `yaml:"custom_guidelines"`
	} `yaml:"review"`
}

// Default returns the configuration an unconfigured repo gets.
func Default() *Config {
	return &Config{}
}

// Enabled defaults to true.
func (c *Config) Enabled() bool {
	return c.Review.Enabled == nil || *c.Review.Enabled
}

// StyleEnabled defaults to true.
func (c *Config) StyleEnabled() bool {
	return c.Review.Style == nil || *c.Review.Style
}

// Fetcher reads one file at a commit; satisfied by the forge client.
type Fetcher interface {
	FetchRepoConfig(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// Load fetches and parses the repo config at ref. A missing or malformed
// file yields defaults; misconfiguration must never block a review.
func Load(ctx context.Context, f Fetcher, owner, repo, ref string) *Config {
	raw, err := f.FetchRepoConfig(ctx, owner, repo, FileName, ref)
	if err != nil {
		return Default()
	}
	return Parse(raw, owner+"/"+repo)
}

// Parse decodes raw yaml, falling back to defaults on any error.
func Parse(raw []byte, repo string) *Config {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		slog.Debug("malformed repo config, using defaults", "repo", repo, "error", err)
		return Default()
	}
	return cfg
}
