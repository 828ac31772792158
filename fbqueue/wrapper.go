package fbqueue

import (
	"context"

	"github.com/google/uuid"

	"github.com/nx-intelligence/chronos-db/pipeline"
)

// ExecResult is what Wrapper.Execute returns (spec §4.9's
// {completed, result?, queued, requestId?, error?}).
type ExecResult struct {
	Completed bool
	Result    pipeline.Result
	Queued    bool
	RequestID string
	Err       error
}

// Wrapper runs an operation inline and, on failure, enqueues it for replay
// instead of surfacing the error — unless fallback is disabled, in which
// case errors always surface directly.
type Wrapper struct {
	Queue   *Queue
	Enabled bool
}

// NewWrapper builds a Wrapper.
func NewWrapper(q *Queue, enabled bool) *Wrapper {
	return &Wrapper{Queue: q, Enabled: enabled}
}

// Execute runs op inline via fn. requestID, if empty, is generated. On
// success, Completed is set. On failure with fallback enabled, op is
// persisted under requestID and Queued is set instead of surfacing err.
func (w *Wrapper) Execute(ctx context.Context, requestID string, op pipeline.ReplayOp, fn func(context.Context) (pipeline.Result, error)) ExecResult {
	res, err := fn(ctx)
	if err == nil {
		return ExecResult{Completed: true, Result: res}
	}
	if !w.Enabled {
		return ExecResult{Err: err}
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}
	if enqueueErr := w.Queue.Enqueue(ctx, requestID, op); enqueueErr != nil {
		return ExecResult{Err: err}
	}
	return ExecResult{Queued: true, RequestID: requestID}
}
