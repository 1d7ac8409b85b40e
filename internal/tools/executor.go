package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode/utf8"
)

// Executor defaults.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxResultChars = 2000
)

// Executor runs tool calls against a Registry.
type Executor struct {
	registry    *Registry
	credentials map[string]string
	timeout     time.Duration
	maxChars    int
	logger      *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCredentials sets the values injected into credential fields,
// keyed by the field's credential tag.
func WithCredentials(creds map[string]string) ExecutorOption {
	return func(e *Executor) { e.credentials = maps.Clone(creds) }
}

// WithTimeout bounds each handler invocation.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxResultChars caps the length of a tool result in runes.
func WithMaxResultChars(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxChars = n
		}
	}
}

// NewExecutor creates an executor for the registry's tools.
func NewExecutor(registry *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry: registry,
		timeout:  DefaultTimeout,
		maxChars: DefaultMaxResultChars,
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs the named tool. The returned text is normalized and
// truncated. Every failure is an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	log := e.logger.With("tool", name)
	if id := RequestIDFromContext(ctx); id != "" {
		log = log.With("request_id", id)
	}

	t := e.registry.Get(name)
	if t == nil {
		return "", &ExecutionError{Kind: KindUnknownTool, Tool: name, Message: "no such tool"}
	}
	desc, err := e.registry.Describe(name)
	if err != nil {
		// A tool that could not be described was never offered.
		return "", &ExecutionError{Kind: KindUnknownTool, Tool: name, Message: err.Error(), Err: err}
	}

	callArgs := make(map[string]any, len(args)+len(desc.credentials))
	for k, v := range args {
		callArgs[k] = v
	}
	for _, c := range desc.credentials {
		delete(callArgs, c.param)
		if v, ok := e.credentials[c.key]; ok && v != "" {
			callArgs[c.param] = v
		}
	}

	if err := validateArgs(desc, callArgs); err != nil {
		return "", &ExecutionError{Kind: KindInvalidArguments, Tool: name, Message: err.Error(), Err: ErrInvalidArguments}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := t.Handler(ctx, callArgs)
	elapsed := time.Since(start)

	if err != nil {
		execErr := e.classify(ctx, name, err)
		log.Warn("tool failed",
			"kind", execErr.Kind.String(),
			"status", execErr.StatusCode,
			"duration", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return "", execErr
	}

	result := normalizeResult(out, e.maxChars)
	log.Info("tool executed",
		"duration", elapsed.Round(time.Millisecond),
		"result_len", len(result),
	)
	return result, nil
}

func (e *Executor) classify(ctx context.Context, name string, err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(err, ErrInvalidArguments) {
		return &ExecutionError{Kind: KindInvalidArguments, Tool: name, Message: err.Error(), Err: err}
	}

	out := &ExecutionError{Kind: KindProviderFailure, Tool: name, Message: err.Error(), Err: err}
	var se StatusError
	if errors.As(err, &se) {
		out.StatusCode = se.HTTPStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Message = fmt.Sprintf("timed out after %s", e.timeout)
	}
	return out
}

// validateArgs checks that every required parameter is present and that
// scalar parameters carry the declared JSON type.
func validateArgs(desc *Descriptor, args map[string]any) error {
	var missing []string
	for _, p := range desc.Parameters {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		if s, isString := v.(string); isString && p.Required && strings.TrimSpace(s) == "" {
			missing = append(missing, p.Name)
			continue
		}
		if !matchesType(p.Type, v) {
			return fmt.Errorf("parameter %s must be of type %s", p.Name, p.Type)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameter(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64:
			return true
		}
		return false
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

// normalizeResult trims the result, unifies line endings, drops control
// characters other than newline and tab, and truncates to max runes.
func normalizeResult(s string, max int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
