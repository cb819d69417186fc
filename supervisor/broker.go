//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package supervisor

import (
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/log"
)

// broker fans one execution's event stream out to any number of subscribers.
// Events are retained for the life of the execution so a late subscriber
// replays the full transition history before receiving live events.
type broker struct {
	mu     sync.Mutex
	events []flow.ExecutionEvent
	subs   map[int]chan flow.ExecutionEvent
	nextID int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan flow.ExecutionEvent)}
}

// publish records the event and delivers it to every subscriber. Delivery is
// non-blocking: a subscriber that cannot keep up loses events rather than
// stalling the execution.
func (b *broker) publish(evt flow.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, evt)
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			log.Warnf("execution %s: subscriber buffer full, dropping event for node %s",
				evt.ExecutionID, evt.Node)
		}
	}
}

// subscribe returns a channel carrying the replayed history followed by live
// events, and a cancel function that must be called when done. The channel is
// closed by cancel or when the broker closes.
func (b *broker) subscribe(buffer int) (<-chan flow.ExecutionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan flow.ExecutionEvent, len(b.events)+buffer)
	for _, evt := range b.events {
		ch <- evt
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// close closes all subscriber channels. Further publishes are dropped.
func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
