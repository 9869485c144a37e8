package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dshills/knowledge-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/dshills/knowledge-engine/internal/inference")

// DefaultComplexityThreshold is the word count from which a query is
// treated as deliberative.
const DefaultComplexityThreshold = 25

var (
	deliberativeWords   = map[string]bool{"compare": true, "versus": true, "vs": true, "why": true, "tradeoff": true, "tradeoffs": true}
	deliberativePhrases = []string{"pros and cons", "trade-off", "trade off", "should i"}
)

// RouterOptions configures a Router.
type RouterOptions struct {
	TaskTypes           []TaskType // enabled set; empty enables all
	DefaultTask         TaskType
	ComplexityThreshold int
	Logger              *slog.Logger
}

// Router picks a task type for each query and dispatches it once.
type Router struct {
	reasoner  Reasoner
	enabled   map[TaskType]bool
	def       TaskType
	threshold int
	logger    *slog.Logger
}

// NewRouter creates a router over reasoner.
func NewRouter(reasoner Reasoner, opts RouterOptions) (*Router, error) {
	if len(opts.TaskTypes) == 0 {
		opts.TaskTypes = AllTaskTypes
	}
	enabled := make(map[TaskType]bool, len(opts.TaskTypes))
	for _, t := range opts.TaskTypes {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedTask, t)
		}
		enabled[t] = true
	}
	if opts.DefaultTask == "" {
		opts.DefaultTask = opts.TaskTypes[0]
		if enabled[TaskDirectAnswer] {
			opts.DefaultTask = TaskDirectAnswer
		}
	}
	if !enabled[opts.DefaultTask] {
		return nil, fmt.Errorf("%w: default %q is not enabled", ErrUnsupportedTask, opts.DefaultTask)
	}
	if opts.ComplexityThreshold <= 0 {
		opts.ComplexityThreshold = DefaultComplexityThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		reasoner:  reasoner,
		enabled:   enabled,
		def:       opts.DefaultTask,
		threshold: opts.ComplexityThreshold,
		logger:    opts.Logger.With("component", "inference"),
	}, nil
}

// Classify returns the task type for query. A non-empty directive wins but
// must be enabled.
func (r *Router) Classify(query string, directive TaskType) (TaskType, error) {
	if directive != "" {
		if !r.enabled[directive] {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedTask, directive)
		}
		return directive, nil
	}
	if r.enabled[TaskDebate] && isDeliberative(query, r.threshold) {
		return TaskDebate, nil
	}
	return r.def, nil
}

// Route classifies query and sends it with chunks, in the given order, to
// the reasoner. Provider failures come back wrapped in types.ErrProvider;
// nothing is retried.
func (r *Router) Route(ctx context.Context, query string, chunks []types.SearchResult, directive TaskType) (*Response, error) {
	task, err := r.Classify(query, directive)
	if err != nil {
		return nil, err
	}

	name := NameOf(r.reasoner)
	ctx, span := tracer.Start(ctx, "inference.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_type", string(task)),
		attribute.String("provider", name),
		attribute.Int("chunks", len(chunks)),
	)

	start := time.Now()
	resp, err := r.reasoner.Infer(ctx, Request{Query: query, Chunks: chunks, TaskType: task})
	if err != nil {
		if !errors.Is(err, types.ErrProvider) {
			err = fmt.Errorf("%w: %s: %w", types.ErrProvider, name, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("inference failed", "provider", name, "task_type", task, "error", err)
		return nil, err
	}
	resp.TaskType = task
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	r.logger.Debug("inference complete", "provider", resp.Provider, "task_type", task, "duration", resp.Duration)
	return resp, nil
}

// isDeliberative reports whether a query is long or asks for weighing
// options.
func isDeliberative(query string, threshold int) bool {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})
	if len(words) >= threshold {
		return true
	}
	for _, w := range words {
		if deliberativeWords[w] {
			return true
		}
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, p := range deliberativePhrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}
