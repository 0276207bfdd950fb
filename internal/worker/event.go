package worker

import (
	"context"
	"sync"
)

// Event is one intercepted request together with the lifetime of any work it
// starts. Work registered through WaitUntil keeps running after the response
// has been returned; the host waits for it via Wait (per event) or
// Manager.Drain (all events).
type Event struct {
	Request *Request

	ctx  context.Context
	wg   sync.WaitGroup
	host *sync.WaitGroup
}

// NewEvent wraps req. ctx is the request context; cancelling it does not
// cancel work registered with WaitUntil.
func NewEvent(ctx context.Context, req *Request) *Event {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Event{Request: req, ctx: ctx}
}

// Context returns the request context.
func (e *Event) Context() context.Context {
	return e.ctx
}

// WaitUntil runs fn in the background, extending the event's lifetime until
// fn returns. fn receives a context detached from request cancellation.
func (e *Event) WaitUntil(fn func(ctx context.Context)) {
	e.wg.Add(1)
	if e.host != nil {
		e.host.Add(1)
	}
	detached := context.WithoutCancel(e.ctx)
	go func() {
		defer func() {
			if e.host != nil {
				e.host.Done()
			}
			e.wg.Done()
		}()
		fn(detached)
	}()
}

// Wait blocks until every WaitUntil callback of this event has returned.
func (e *Event) Wait() {
	e.wg.Wait()
}

// bind attaches the host's lifetime group. It must be called before the first
// WaitUntil.
func (e *Event) bind(host *sync.WaitGroup) {
	e.host = host
}
