package dbus

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler processes one inbound message that the Correlator didn't claim as
// a direct method-call reply: signals, and method calls/errors addressed to
// this peer. Returning true stops the chain from reaching later handlers.
//
// A Handler may optionally implement ActiveHandler, InactiveHandler,
// OutboundHandler, UserEventHandler, or ExceptionHandler to receive the
// Pipeline's other event types; a Handler implementing none of them simply
// never sees those events.
type Handler interface {
	Handle(msg *InboundMessage) (handled bool)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(*InboundMessage) bool

func (f HandlerFunc) Handle(msg *InboundMessage) bool { return f(msg) }

// ActiveHandler receives on_connection_active: the connection has reached
// StateActive and can send and receive messages.
type ActiveHandler interface {
	HandleActive()
}

// InactiveHandler receives on_connection_inactive: the connection has left
// StateActive, fired exactly once per matching HandleActive, after every
// inbound message queued while still active has been delivered.
type InactiveHandler interface {
	HandleInactive()
}

// OutboundHandler receives on_outbound_message: msg is about to be written
// to the wire.
type OutboundHandler interface {
	HandleOutbound(msg *OutboundMessage)
}

// UserEventHandler receives on_user_event: an application-defined event
// injected into the pipeline out of band from the wire.
type UserEventHandler interface {
	HandleUserEvent(evt interface{})
}

// ExceptionHandler receives on_exception: a Handler further up the chain
// panicked while processing some event. err describes the panic.
type ExceptionHandler interface {
	HandleException(err error)
}

// Pipeline is an ordered chain of Handlers, mirroring a Netty-style inbound
// pipeline: each event is offered to handlers in registration order until
// one claims it (for inbound messages), or to every handler that implements
// the matching optional interface (for the other event types). Exactly one
// goroutine ever runs handler code, so delivery within a Pipeline instance
// is never parallel and always matches enqueue order (§4.7, §5(b)) — the
// property a Netty event loop gets from being single-threaded.
type Pipeline struct {
	mu       sync.RWMutex
	handlers []Handler

	jobs chan func()
	eg   *errgroup.Group
	ctx  context.Context
}

// NewPipeline creates a Pipeline whose events all run on one internal
// goroutine. poolSize is accepted for backward-compatible construction but
// no longer bounds concurrency; a Pipeline is single-consumer by design.
// ctx cancels the dispatcher goroutine when the owning Connection shuts
// down.
func NewPipeline(ctx context.Context, poolSize int) *Pipeline {
	if poolSize < 1 {
		poolSize = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	p := &Pipeline{
		jobs: make(chan func(), 64),
		eg:   eg,
		ctx:  egCtx,
	}
	eg.Go(p.run)
	return p
}

// Append adds h to the end of the chain. If the chain currently ends with a
// *PeerHandler, h is inserted just before it, so that default responder
// stays last and only sees method calls every other Handler declined.
func (p *Pipeline) Append(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.handlers); n > 0 {
		if _, ok := p.handlers[n-1].(*PeerHandler); ok {
			p.handlers = append(p.handlers[:n-1:n-1], h, p.handlers[n-1])
			return
		}
	}
	p.handlers = append(p.handlers, h)
}

// run is the Pipeline's single consumer: it drains jobs in FIFO order until
// ctx is cancelled, so every event this Pipeline ever delivers runs on this
// one goroutine.
func (p *Pipeline) run() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case job, ok := <-p.jobs:
			if !ok {
				return nil
			}
			job()
		}
	}
}

// enqueue offers job to the dispatcher, dropping it silently only if the
// Pipeline is already shutting down.
func (p *Pipeline) enqueue(job func()) {
	select {
	case p.jobs <- job:
	case <-p.ctx.Done():
	}
}

// safely runs fn with panic recovery, delivering any panic to fireException
// instead of letting it escape and kill the dispatcher goroutine (§7).
func (p *Pipeline) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.fireException(fmt.Errorf("dbus: pipeline handler panic: %v", r))
		}
	}()
	fn()
}

// Dispatch enqueues msg for delivery to the handler chain. It never blocks
// on handler execution: it only blocks if the internal job queue is full,
// which only happens if handlers are badly backed up.
func (p *Pipeline) Dispatch(msg *InboundMessage) {
	p.enqueue(func() {
		p.safely(func() {
			p.mu.RLock()
			chain := p.handlers
			p.mu.RUnlock()
			for _, h := range chain {
				if h.Handle(msg) {
					break
				}
			}
		})
	})
}

// FireActive enqueues on_connection_active for every ActiveHandler in the
// chain, run in registration order.
func (p *Pipeline) FireActive() {
	p.enqueue(func() {
		p.mu.RLock()
		chain := p.handlers
		p.mu.RUnlock()
		for _, h := range chain {
			if ah, ok := h.(ActiveHandler); ok {
				p.safely(ah.HandleActive)
			}
		}
	})
}

// FireInactive enqueues on_connection_inactive for every InactiveHandler in
// the chain. Enqueued like any other event, so it's delivered strictly
// after every inbound message already queued ahead of it (§5(d)).
func (p *Pipeline) FireInactive() {
	p.enqueue(func() {
		p.mu.RLock()
		chain := p.handlers
		p.mu.RUnlock()
		for _, h := range chain {
			if ih, ok := h.(InactiveHandler); ok {
				p.safely(ih.HandleInactive)
			}
		}
	})
}

// FireOutbound enqueues on_outbound_message for every OutboundHandler in
// the chain.
func (p *Pipeline) FireOutbound(msg *OutboundMessage) {
	p.enqueue(func() {
		p.mu.RLock()
		chain := p.handlers
		p.mu.RUnlock()
		for _, h := range chain {
			if oh, ok := h.(OutboundHandler); ok {
				p.safely(func() { oh.HandleOutbound(msg) })
			}
		}
	})
}

// FireUserEvent enqueues on_user_event for every UserEventHandler in the
// chain, letting application code inject events alongside wire traffic
// without racing it.
func (p *Pipeline) FireUserEvent(evt interface{}) {
	p.enqueue(func() {
		p.mu.RLock()
		chain := p.handlers
		p.mu.RUnlock()
		for _, h := range chain {
			if uh, ok := h.(UserEventHandler); ok {
				p.safely(func() { uh.HandleUserEvent(evt) })
			}
		}
	})
}

// fireException enqueues on_exception for every ExceptionHandler in the
// chain. Unlike the other Fire* methods it runs without safely: a panic in
// an ExceptionHandler is not recovered, so it terminates the program.
func (p *Pipeline) fireException(err error) {
	p.enqueue(func() {
		p.mu.RLock()
		chain := p.handlers
		p.mu.RUnlock()
		for _, h := range chain {
			if eh, ok := h.(ExceptionHandler); ok {
				eh.HandleException(err)
			}
		}
	})
}

// Flush blocks until every event enqueued before this call has been
// processed by the dispatcher goroutine, a synchronization point for
// tests and for shutdown sequencing that needs earlier events to have
// settled before proceeding.
func (p *Pipeline) Flush() {
	done := make(chan struct{})
	p.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-p.ctx.Done():
	}
}

// Wait blocks until the dispatcher goroutine exits, which happens once its
// context is cancelled. Any jobs still queued at that point are dropped.
func (p *Pipeline) Wait() error {
	return p.eg.Wait()
}
