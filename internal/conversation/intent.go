package conversation

import (
	"context"
	"log/slog"
	"strings"

	"openrabbit/internal/llm"
)

// Intent classifies what the developer wants from a reply.
type Intent string

const (
	IntentFix      Intent = "fix"      // asks for concrete replacement code
	IntentExplain  Intent = "explain"  // asks why the finding matters
	IntentDismiss  Intent = "dismiss"  // rejects the finding
	IntentConverse Intent = "converse" // anything else worth answering
)

const intentSystemPrompt = `Classify a developer's reply to a code review comment.
Answer with exactly one word: fix, explain, dismiss or converse.
fix = they want corrected code. explain = they want the reasoning.
dismiss = they disagree or say it is intentional. converse = anything else.`

// Keyword rules run first; the model only sees replies the rules cannot place.
var intentKeywords = []struct {
	intent Intent
	words  []string
}{
	{IntentFix, []string{"fix this", "fix it", "show me the fix", "suggest a fix", "how do i fix", "can you fix", "apply the fix"}},
	{IntentDismiss, []string{"not a bug", "false positive", "intentional", "by design", "won't fix", "wontfix", "ignore this", "dismiss"}},
	{IntentExplain, []string{"why", "explain", "what do you mean", "elaborate", "don't understand", "dont understand"}},
}

// Classify resolves the intent of body, consulting the cheap model only when
// no keyword rule matches. Model failure degrades to converse.
func Classify(ctx context.Context, client llm.Client, body string) Intent {
	lower := strings.ToLower(body)
	for _, rule := range intentKeywords {
		for _, w := range rule.words {
			if strings.Contains(lower, w) {
				return rule.intent
			}
		}
	}

	resp, err := client.Complete(ctx, "intent", llm.TierCheap, intentSystemPrompt, body)
	if err != nil {
		slog.Debug("intent classification failed, defaulting to converse", "error", err)
		return IntentConverse
	}
	switch Intent(strings.ToLower(strings.TrimSpace(resp.Text))) {
	case IntentFix:
		return IntentFix
	case IntentExplain:
		return IntentExplain
	case IntentDismiss:
		return IntentDismiss
	default:
		return IntentConverse
	}
}
