package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Outcome is one bounded backend call as seen by the fuzz loop.
type Outcome struct {
	Report    *Report
	Injection *InjectionReport
	Err       error
	Elapsed   time.Duration
	// TimedOut is set past the soft timeout, and always when Aborted.
	TimedOut bool
	// Aborted means the hard timeout fired and no backend state is available.
	Aborted bool
	// Cancelled means the caller's context ended before the call completed.
	Cancelled bool
}

// Harness bounds backend calls with a soft and a hard timeout.
type Harness struct {
	log     log.Logger
	backend Backend
	soft    time.Duration
	hard    time.Duration
}

// NewHarness wraps b. A zero hard timeout disables abortion.
func NewHarness(logger log.Logger, b Backend, soft, hard time.Duration) *Harness {
	return &Harness{log: logger, backend: b, soft: soft, hard: hard}
}

func (h *Harness) Backend() Backend {
	return h.backend
}

func (h *Harness) Execute(ctx context.Context, words []uint32, budget uint64) *Outcome {
	return h.run(ctx, func(ctx context.Context) (*Report, *InjectionReport, error) {
		rep, err := h.backend.Execute(ctx, words, budget)
		return rep, nil, err
	})
}

// Inject runs a targeted injection. Backends without injection support
// yield ErrInjectionNotSupported.
func (h *Harness) Inject(ctx context.Context, bucketID string, words []uint32, budget uint64) *Outcome {
	inj, ok := h.backend.(Injector)
	if !ok {
		return &Outcome{Err: fmt.Errorf("%w: backend %s has no injector", ErrInjectionNotSupported, h.backend.Name())}
	}
	return h.run(ctx, func(ctx context.Context) (*Report, *InjectionReport, error) {
		rep, err := inj.Inject(ctx, bucketID, words, budget)
		if rep == nil {
			return nil, nil, err
		}
		return &rep.Report, rep, err
	})
}

type callResult struct {
	report    *Report
	injection *InjectionReport
	err       error
}

func (h *Harness) run(parent context.Context, fn func(ctx context.Context) (*Report, *InjectionReport, error)) *Outcome {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if h.hard > 0 {
		ctx, cancel = context.WithTimeout(parent, h.hard)
	}
	defer cancel()

	// buffered so an abandoned call can still complete and exit
	done := make(chan callResult, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("backend %s panicked: %v", h.backend.Name(), r)}
			}
		}()
		rep, inj, err := fn(ctx)
		done <- callResult{report: rep, injection: inj, err: err}
	}()

	out := &Outcome{}
	select {
	case res := <-done:
		out.Elapsed = time.Since(start)
		out.Report, out.Injection, out.Err = res.report, res.injection, res.err
		switch {
		case out.Err == nil:
		case parent.Err() != nil:
			out.Cancelled = true
			out.Err = parent.Err()
			out.Report, out.Injection = nil, nil
		case errors.Is(out.Err, ErrTimeout) || errors.Is(out.Err, context.DeadlineExceeded):
			out.Aborted = true
			out.Report, out.Injection = nil, nil
		}
	case <-ctx.Done():
		out.Elapsed = time.Since(start)
		if err := parent.Err(); err != nil {
			out.Cancelled = true
			out.Err = err
		} else {
			out.Aborted = true
			out.Err = fmt.Errorf("%w after %v", ErrTimeout, h.hard)
		}
		h.log.Warn("Abandoned backend call", "backend", h.backend.Name(), "elapsed", out.Elapsed, "err", out.Err)
	}

	switch {
	case out.Cancelled:
	case out.Aborted:
		out.TimedOut = true
	case h.soft > 0 && out.Elapsed > h.soft:
		out.TimedOut = true
	case out.Report != nil && strings.Contains(out.Report.Err, "timed out"):
		out.TimedOut = true
	}
	return out
}
