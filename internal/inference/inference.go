// Package inference routes a query and its retrieved context to a reasoning
// provider.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/knowledge-engine/pkg/types"
)

// TaskType selects how the reasoner treats a query.
type TaskType string

const (
	TaskDirectAnswer TaskType = "direct-answer"
	TaskDebate       TaskType = "debate"
)

// AllTaskTypes lists every task type the engine knows.
var AllTaskTypes = []TaskType{TaskDirectAnswer, TaskDebate}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	return t == TaskDirectAnswer || t == TaskDebate
}

var (
	// ErrUnsupportedTask is returned for a directive outside the enabled set.
	ErrUnsupportedTask = errors.New("unsupported task type")
	// ErrUnsupportedProvider is returned by New for an unknown provider name.
	ErrUnsupportedProvider = errors.New("unsupported reasoning provider")
)

// Request is what a reasoner receives: the query and its context chunks in
// retrieval order.
type Request struct {
	Query    string
	Chunks   []types.SearchResult
	TaskType TaskType
}

// Source identifies a chunk an answer drew on.
type Source struct {
	DocumentKey string  `json:"document_key"`
	Seq         int     `json:"seq"`
	Score       float64 `json:"score"`
}

// Response is a reasoner's answer.
type Response struct {
	Answer       string        `json:"answer"`
	TaskType     TaskType      `json:"task_type"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Sources      []Source      `json:"sources"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Reasoner produces an answer for a request.
type Reasoner interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// Namer is implemented by reasoners that report a provider name.
type Namer interface {
	Name() string
}

// NameOf returns the provider name of r, falling back to its Go type.
func NameOf(r Reasoner) string {
	if n, ok := r.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", r)
}

func sourcesOf(chunks []types.SearchResult) []Source {
	out := make([]Source, len(chunks))
	for i, c := range chunks {
		out[i] = Source{DocumentKey: c.DocumentKey, Seq: c.Seq, Score: c.Score}
	}
	return out
}
