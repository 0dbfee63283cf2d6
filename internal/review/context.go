package review

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"openrabbit/internal/diff"
	"openrabbit/internal/domain"
	"openrabbit/internal/llm"
	"openrabbit/internal/metrics"
	"openrabbit/internal/queue"
	"openrabbit/internal/repocfg"
	"openrabbit/internal/reverr"
)

// ReviewContext is assembled once per review and flows through every stage.
// Stages write only their own output slot; findings and cost go through the
// mutex and the atomic counter because S2/S4 fan out.
type ReviewContext struct {
	Task    *queue.Task
	Owner   string
	Repo    string
	RepoCfg *repocfg.Config

	Files     []diff.FileDiff
	Positions map[string]map[int]int // path -> new line -> diff position

	Summary   string
	Risk      string // low, medium, high
	Truncated bool   // cost ceiling reached mid-pipeline

	mu       sync.Mutex
	findings []*domain.Finding

	cost costMeter
}

// AddFindings appends stage output.
func (rc *ReviewContext) AddFindings(fs ...*domain.Finding) {
	rc.mu.Lock()
	rc.findings = append(rc.findings, fs...)
	rc.mu.Unlock()
}

// Findings returns a snapshot of accumulated findings.
func (rc *ReviewContext) Findings() []*domain.Finding {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*domain.Finding, len(rc.findings))
	copy(out, rc.findings)
	return out
}

// SetFindings replaces the accumulated set; used by synthesis.
func (rc *ReviewContext) SetFindings(fs []*domain.Finding) {
	rc.mu.Lock()
	rc.findings = fs
	rc.mu.Unlock()
}

// FileFor returns the parsed diff for a path.
func (rc *ReviewContext) FileFor(path string) *diff.FileDiff {
	for i := range rc.Files {
		if rc.Files[i].Path == path {
			return &rc.Files[i]
		}
	}
	return nil
}

// CostCents returns the accumulated spend.
func (rc *ReviewContext) CostCents() int64 {
	return rc.cost.cents.Load()
}

// costMeter enforces the per-review budget. The counter is charged with an
// estimate before each call and trued up after, so recorded cost is monotonic
// and never exceeds ceiling + one call.
type costMeter struct {
	cents   atomic.Int64
	ceiling int64
}

// charge reserves an estimated spend. false means the ceiling would be
// crossed and the caller must truncate its stage.
func (m *costMeter) charge(estimate int64) bool {
	for {
		cur := m.cents.Load()
		if cur+estimate > m.ceiling {
			return false
		}
		if m.cents.CompareAndSwap(cur, cur+estimate) {
			return true
		}
	}
}

// settle adjusts the reservation upward when the real cost exceeded the
// estimate. Never downward: the counter stays monotonic.
func (m *costMeter) settle(estimate, actual int64) {
	if actual > estimate {
		m.cents.Add(actual - estimate)
	}
}

// complete runs one model call under the budget. A ceiling hit returns a
// cost-ceiling kind error; stages treat it as a truncation signal.
func (rc *ReviewContext) complete(ctx context.Context, client llm.Client, stage string, tier llm.Tier, system, user string) (*llm.Response, error) {
	estimate := client.EstimateCents(tier)
	if !rc.cost.charge(estimate) {
		rc.Truncated = true
		return nil, reverr.Newf(reverr.KindCostCeiling, "review budget exhausted at stage %s", stage)
	}
	resp, err := client.Complete(ctx, stage, tier, system, user)
	if err != nil {
		return nil, err
	}
	rc.cost.settle(estimate, resp.CostCents)
	metrics.ReviewCostCents.Add(float64(resp.CostCents))
	return resp, nil
}

// parseJSONBlock decodes model output that may be wrapped in a code fence.
func parseJSONBlock(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	// Tolerate prose around the payload. Whichever bracket opens first wins:
	// an array of objects must keep its array brackets.
	oi, ai := strings.Index(text, "{"), strings.Index(text, "[")
	switch {
	case ai >= 0 && (oi < 0 || ai < oi):
		if j := strings.LastIndex(text, "]"); j > ai {
			text = text[ai : j+1]
		}
	case oi >= 0:
		if j := strings.LastIndex(text, "}"); j > oi {
			text = text[oi : j+1]
		}
	}
	return json.Unmarshal([]byte(text), v)
}
