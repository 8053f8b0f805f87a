// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events fans out the topics named in §6 (workflow.run.updated,
// workflow.run.<status>, workflow.definition.updated, asset.produced,
// asset.expired, workflow.analytics.snapshot) to in-process subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tombee/workflow-core/pkg/workflow"
)

// Emitter is the port every component that raises a workflow event
// publishes through, internal/observability's snapshotter included.
// Subscribing is done on the concrete Bus; Emitter has no Subscribe.
type Emitter interface {
	Publish(ctx context.Context, topic workflow.EventTopic, payload any)
}

// Bus is an in-process Emitter with channel-based subscription, the
// generalized form of the teacher's per-run log subscriber routing: one
// subscriber list per topic instead of per run id, non-blocking delivery
// so a slow subscriber never stalls a publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[workflow.EventTopic][]chan workflow.Event
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[workflow.EventTopic][]chan workflow.Event)}
}

// Publish marshals payload and delivers it to every current subscriber
// of topic. A marshal failure is swallowed (mirrors the teacher's
// best-effort notification path) since a malformed event must never
// abort the caller's mutation.
func (b *Bus) Publish(ctx context.Context, topic workflow.EventTopic, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	event := workflow.Event{Topic: topic, Payload: raw, EmittedAt: time.Now().UTC()}

	b.mu.RLock()
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Channel full, skip: subscribers are diagnostic, not a
			// delivery guarantee.
		}
	}
}

// Subscribe returns a channel receiving every event published on topic,
// and an unsubscribe function the caller must call when done.
func (b *Bus) Subscribe(topic workflow.EventTopic) (<-chan workflow.Event, func()) {
	ch := make(chan workflow.Event, 64)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsub
}

var _ Emitter = (*Bus)(nil)
