package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lane names. fast and slow carry reviews, index carries repository indexing,
// conversation carries reply handling. dead is the dead-letter sink.
const (
	LaneFast         = "fast"
	LaneSlow         = "slow"
	LaneIndex        = "index"
	LaneConversation = "conversation"
	LaneDead         = "dead"
)

// Lanes are the consumable lanes, in no particular order.
var Lanes = []string{LaneFast, LaneSlow, LaneIndex, LaneConversation}

// TaskKind discriminates what a task asks a worker to do.
type TaskKind string

const (
	KindReview       TaskKind = "review"
	KindIndex        TaskKind = "index"
	KindConversation TaskKind = "conversation"
)

// Task is the minimal descriptor the gateway enqueues. Everything else is
// re-fetched by the worker; webhook payloads are never persisted.
type Task struct {
	ID             string   `json:"id"`
	Kind           TaskKind `json:"kind"`
	Lane           string   `json:"lane"`
	InstallationID int64    `json:"installation_id"`
	RepoID         int64    `json:"repo_id"`
	Repo           string   `json:"repo"` // owner/name
	PRNumber       int      `json:"pr_number"`
	HeadSHA        string   `json:"head_sha"`
	BaseSHA        string   `json:"base_sha"`

	// CommentID is set for conversation tasks: the comment being replied to.
	CommentID int64  `json:"comment_id,omitempty"`
	Body      string `json:"body,omitempty"` // reply text for conversation tasks

	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (t *Task) marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	return string(b), nil
}

func unmarshalTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}
