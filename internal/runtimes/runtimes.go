// Package runtimes evaluates guesses against answer patterns and renders
// puzzle content. Three runtimes exist: static, regex and script.
package runtimes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/metrics"
	"github.com/playperu/hunt/internal/sandbox"
)

// DefaultMatchTimeout bounds a single regex match.
const DefaultMatchTimeout = 100 * time.Millisecond

// Output is rendered puzzle content plus the script's bound variables after
// it ran (team_data, user_data, ...). Vars is nil for static content.
type Output struct {
	Text string
	Vars map[string]any
}

type Registry struct {
	sandbox      *sandbox.Sandbox
	logger       *slog.Logger
	matchTimeout time.Duration

	mu      sync.RWMutex
	regexes map[string]*regexp2.Regexp
}

func New(sb *sandbox.Sandbox, logger *slog.Logger) *Registry {
	return &Registry{
		sandbox:      sb,
		logger:       logger,
		matchTimeout: DefaultMatchTimeout,
		regexes:      make(map[string]*regexp2.Regexp),
	}
}

// Validate checks an answer or unlock pattern at save time.
func (r *Registry) Validate(kind hunt.RuntimeKind, pattern string) error {
	switch kind {
	case hunt.RuntimeStatic:
		return nil
	case hunt.RuntimeRegex:
		if _, err := r.regex(pattern); err != nil {
			return hunt.Invalid("pattern", "invalid regex: %v", err)
		}
		return nil
	case hunt.RuntimeScript:
		if err := r.sandbox.Check(pattern); err != nil {
			return hunt.Invalid("pattern", "invalid script: %v", err)
		}
		return nil
	default:
		return hunt.Invalid("runtime", "unknown runtime %q", kind)
	}
}

// ValidateContent checks puzzle or callback content at save time. Content is
// rendered, so only static and script apply.
func (r *Registry) ValidateContent(kind hunt.RuntimeKind, content string) error {
	switch kind {
	case hunt.RuntimeStatic:
		return nil
	case hunt.RuntimeScript:
		if err := r.sandbox.Check(content); err != nil {
			return hunt.Invalid("content", "invalid script: %v", err)
		}
		return nil
	default:
		return hunt.Invalid("runtime", "runtime %q cannot render content", kind)
	}
}

// Matches reports whether guess satisfies pattern. Evaluation failures are
// logged and count as no match.
func (r *Registry) Matches(ctx context.Context, kind hunt.RuntimeKind, pattern, guess string) bool {
	ok, err := r.Evaluate(ctx, kind, pattern, guess)
	if err != nil {
		r.logger.Warn("answer evaluation failed", "runtime", kind, "error", err)
		return false
	}
	return ok
}

// Evaluate is Matches with the failure returned.
func (r *Registry) Evaluate(ctx context.Context, kind hunt.RuntimeKind, pattern, guess string) (bool, error) {
	switch kind {
	case hunt.RuntimeStatic:
		return strings.EqualFold(pattern, guess), nil
	case hunt.RuntimeRegex:
		re, err := r.regex(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(guess)
	case hunt.RuntimeScript:
		res, err := r.run(ctx, pattern, map[string]any{"guess": guess})
		if err != nil {
			return false, err
		}
		return sandbox.Truthy(res.Value), nil
	default:
		return false, fmt.Errorf("unknown runtime %q", kind)
	}
}

// Render produces puzzle content. Failures are returned to the caller: a
// broken puzzle must show as broken.
func (r *Registry) Render(ctx context.Context, kind hunt.RuntimeKind, content string, vars map[string]any) (Output, error) {
	switch kind {
	case hunt.RuntimeStatic, "":
		return Output{Text: content}, nil
	case hunt.RuntimeScript:
		res, err := r.run(ctx, content, vars)
		if err != nil {
			return Output{}, err
		}
		return Output{Text: sandbox.String(res.Value), Vars: res.Vars}, nil
	default:
		return Output{}, fmt.Errorf("runtime %q cannot render content", kind)
	}
}

func (r *Registry) run(ctx context.Context, src string, vars map[string]any) (sandbox.Result, error) {
	start := time.Now()
	res, err := r.sandbox.Run(ctx, src, vars)
	metrics.SandboxDuration.Observe(time.Since(start).Seconds())
	metrics.SandboxRuns.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func outcome(err error) string {
	var (
		resErr    *sandbox.ResourceExceededError
		violation *sandbox.SandboxViolationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &resErr):
		return "resource_" + resErr.Resource
	case errors.As(err, &violation):
		return "violation"
	default:
		return "error"
	}
}

// regex compiles pattern anchored to the whole guess. Compiled patterns are
// cached by source.
func (r *Registry) regex(pattern string) (*regexp2.Regexp, error) {
	r.mu.RLock()
	re, ok := r.regexes[pattern]
	r.mu.RUnlock()
	if ok {
		return re, nil
	}

	// The bare pattern is compiled first so syntax errors point at the
	// author's text rather than the anchored wrapper.
	if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = r.matchTimeout

	r.mu.Lock()
	r.regexes[pattern] = re
	r.mu.Unlock()
	return re, nil
}
