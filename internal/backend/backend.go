// Package backend provides the inference dispatchers the gateway hands
// prompts to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrEmptyCompletion is returned when the model produced no choices.
var ErrEmptyCompletion = errors.New("backend returned no completion")

// Submitter turns a prompt into generated text.
type Submitter interface {
	Submit(ctx context.Context, prompt string) (string, error)
}

// Echo returns the prompt unchanged. Used for local development and tests.
type Echo struct{}

func (Echo) Submit(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return prompt, nil
}

// Limited bounds the number of in-flight submissions to the wrapped
// Submitter and applies a per-request timeout. Waiting for a slot counts
// against the timeout.
type Limited struct {
	next    Submitter
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewLimited wraps next. maxConcurrent below 1 is treated as 1; a zero
// timeout disables the deadline.
func NewLimited(next Submitter, maxConcurrent int64, timeout time.Duration) *Limited {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limited{
		next:    next,
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
	}
}

func (l *Limited) Submit(ctx context.Context, prompt string) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for backend slot: %w", err)
	}
	defer l.sem.Release(1)

	return l.next.Submit(ctx, prompt)
}

// New builds the Submitter selected by kind, wrapped in a Limited.
func New(kind string, oc OpenAIConfig, maxConcurrent int64, timeout time.Duration) (*Limited, error) {
	var next Submitter
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "echo":
		next = Echo{}
	case "openai", "":
		o, err := NewOpenAI(oc)
		if err != nil {
			return nil, err
		}
		next = o
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", kind)
	}
	return NewLimited(next, maxConcurrent, timeout), nil
}
