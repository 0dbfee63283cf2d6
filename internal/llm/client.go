// Package llm wraps the model provider behind a two-tier interface: a cheap
// model for bulk per-hunk work and a capable model for security-sensitive and
// cross-file reasoning.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"openrabbit/internal/config"
	"openrabbit/internal/metrics"
	"openrabbit/internal/reverr"
)

// Tier selects which model a stage calls.
type Tier string

const (
	TierCheap   Tier = "cheap"
	TierCapable Tier = "capable"
)

// Response is one completion plus its accounted cost.
type Response struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	CostCents        int64
}

// Client is the surface the review stages call. stage is a metric label.
type Client interface {
	Complete(ctx context.Context, stage string, tier Tier, systemPrompt, userInput string) (*Response, error)
	// EstimateCents prices one typical call of the tier, for the
	// add-before-call ceiling check.
	EstimateCents(tier Tier) int64
}

// pricing is cents per million tokens, prompt and completion.
type pricing struct {
	in, out int64
}

var modelPricing = map[string]pricing{
	"gpt-4o":      {in: 250, out: 1000},
	"gpt-4o-mini": {in: 15, out: 60},
}

// OpenAI implements Client against an OpenAI-compatible endpoint.
type OpenAI struct {
	client  openai.Client
	cheap   string
	capable string
	sem     chan struct{}
}

func New(cfg config.LLMConfig, maxConcurrency int64) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &OpenAI{
		client:  openai.NewClient(opts...),
		cheap:   cfg.CheapModel,
		capable: cfg.CapableModel,
		sem:     make(chan struct{}, maxConcurrency),
	}
}

func (c *OpenAI) model(tier Tier) string {
	if tier == TierCapable {
		return c.capable
	}
	return c.cheap
}

// EstimateCents prices a typical call before making it. Deliberately coarse;
// the post-call adjustment trues it up.
func (c *OpenAI) EstimateCents(tier Tier) int64 {
	if tier == TierCapable {
		return 5
	}
	return 1
}

// Ping verifies the provider is reachable with a minimal request.
func (c *OpenAI) Ping(ctx context.Context) error {
	_, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.cheap),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hello")},
		MaxTokens: openai.Int(1),
	})
	if err != nil {
		return fmt.Errorf("llm ping failed: %w", err)
	}
	return nil
}

func (c *OpenAI) Complete(ctx context.Context, stage string, tier Tier, systemPrompt, userInput string) (*Response, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, reverr.New(reverr.KindCanceled, ctx.Err())
	}

	model := c.model(tier)
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userInput))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		metrics.ModelCalls.WithLabelValues(stage, model, "error").Inc()
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		metrics.ModelCalls.WithLabelValues(stage, model, "empty").Inc()
		return nil, reverr.Newf(reverr.KindTransient, "no completion choices")
	}
	metrics.ModelCalls.WithLabelValues(stage, model, "ok").Inc()

	out := &Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostCents:        costCents(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	return out, nil
}

// costCents prices actual usage, rounded up so spend is never understated.
func costCents(model string, promptTokens, completionTokens int64) int64 {
	p, ok := modelPricing[model]
	if !ok {
		p = pricing{in: 250, out: 1000} // unknown model: assume capable-class pricing
	}
	const million = 1_000_000
	raw := promptTokens*p.in + completionTokens*p.out
	cents := (raw + million - 1) / million
	if cents < 1 {
		cents = 1
	}
	return cents
}

func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return reverr.New(reverr.KindRateLimited, err)
		case apiErr.StatusCode == 401, apiErr.StatusCode == 403:
			return reverr.New(reverr.KindAuth, err)
		case apiErr.StatusCode >= 500:
			return reverr.New(reverr.KindTransient, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return reverr.New(reverr.KindCanceled, err)
	}
	return reverr.New(reverr.KindTransient, err)
}
