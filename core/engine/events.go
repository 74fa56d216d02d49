package engine

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/storage"
)

// Event is a committed change on a resource. Record carries the
// post-image for inserts and updates and the last known snapshot for
// deletes.
type Event struct {
	Operation core.Operation
	Resource  string
	ID        string
	Record    core.Record
	Timestamp time.Time
}

// EventSink receives change events strictly after the producing
// transaction has committed. The subscription broadcaster and the Kafka
// sink implement this.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// eventBuffer holds events produced inside a transaction, keyed by the
// transaction's identity. Commit drains in insertion order, rollback
// discards.
type eventBuffer struct {
	mu   sync.Mutex
	byTx map[string][]Event
}

// emit buffers the event under the transaction, or delivers inline when
// no transaction is attached.
func (e *Engine) emit(ctx context.Context, tx storage.Tx, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if tx == nil {
		e.deliver(ctx, event)
		return
	}
	e.events.mu.Lock()
	if e.events.byTx == nil {
		e.events.byTx = map[string][]Event{}
	}
	e.events.byTx[tx.ID()] = append(e.events.byTx[tx.ID()], event)
	e.events.mu.Unlock()
}

func (e *Engine) deliver(ctx context.Context, event Event) {
	for _, sink := range e.sinks {
		sink.Emit(ctx, event)
	}
}

// FlushEvents delivers the events buffered for the transaction in the
// order they were produced. The engine calls this after committing its
// own transactions; callers that supplied the transaction call it after
// their commit.
func (e *Engine) FlushEvents(ctx context.Context, tx storage.Tx) {
	if tx == nil {
		return
	}
	e.events.mu.Lock()
	buffered := e.events.byTx[tx.ID()]
	delete(e.events.byTx, tx.ID())
	e.events.mu.Unlock()
	for _, event := range buffered {
		e.deliver(ctx, event)
	}
}

// DiscardEvents drops the events buffered for a rolled-back transaction.
func (e *Engine) DiscardEvents(tx storage.Tx) {
	if tx == nil {
		return
	}
	e.events.mu.Lock()
	delete(e.events.byTx, tx.ID())
	e.events.mu.Unlock()
}
