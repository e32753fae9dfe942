// Package launch implements fallback across an ordered list of launch
// templates: the first template that provisions an instance wins.
package launch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExhausted is matched by the error returned when every template failed
var ErrExhausted = errors.New("all launch templates failed")

// TryFunc provisions one instance from template and returns its id
type TryFunc func(ctx context.Context, template string) (string, error)

// Attempt is the outcome of one template
type Attempt struct {
	Template string
	Err      error
}

// Result describes a successful launch
type Result struct {
	InstanceID string
	Template   string
	Attempts   []Attempt
}

// ExhaustedError lists the cause of every failed attempt
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all launch templates failed: no launch templates configured"
	}
	causes := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		causes = append(causes, fmt.Sprintf("%s: %v", a.Template, a.Err))
	}
	return fmt.Sprintf("all launch templates failed (%d attempts): %s", len(e.Attempts), strings.Join(causes, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Unwrap exposes the individual causes to errors.Is and errors.As
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Options tune FirstSuccess
type Options struct {
	// AttemptTimeout bounds each try; zero means no bound beyond ctx
	AttemptTimeout time.Duration
	// OnFailure is called after each failed attempt
	OnFailure func(index int, a Attempt)
}

// FirstSuccess calls try for each template in order and stops at the first
// success. It never calls try again once an attempt has succeeded. When every
// template fails it returns an *ExhaustedError. A cancelled ctx stops the
// loop and returns ctx's error, including when it is cancelled during the
// last attempt.
func FirstSuccess(ctx context.Context, templates []string, try TryFunc, opts Options) (Result, error) {
	attempts := make([]Attempt, 0, len(templates))

	for i, template := range templates {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempts}, fmt.Errorf("launch interrupted after %d attempts: %w", len(attempts), err)
		}

		id, err := tryOnce(ctx, template, try, opts.AttemptTimeout)
		if err == nil {
			attempts = append(attempts, Attempt{Template: template})
			return Result{InstanceID: id, Template: template, Attempts: attempts}, nil
		}

		a := Attempt{Template: template, Err: err}
		attempts = append(attempts, a)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Attempts: attempts}, fmt.Errorf("launch interrupted after %d attempts: %w", len(attempts), ctxErr)
		}
		if opts.OnFailure != nil {
			opts.OnFailure(i, a)
		}
	}

	return Result{Attempts: attempts}, &ExhaustedError{Attempts: attempts}
}

func tryOnce(ctx context.Context, template string, try TryFunc, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id, err := try(ctx, template)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("template %s returned no instance id", template)
	}
	return id, nil
}
