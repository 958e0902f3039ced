// Copyright 2024 Google LLC
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

// Package notify fans device/flow/threat updates out to subscribers
// (a REST/dashboard adapter's websocket handlers, typically) over
// bounded per-subscriber channels. A slow subscriber never blocks the
// rest of the pipeline or other subscribers: a full channel drops its
// own oldest buffered message and keeps going.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/netinsight-io/sensor/internal/obs"
	"github.com/netinsight-io/sensor/internal/types"
)

// Kind discriminates the payload carried by a Message.
type Kind string

const (
	KindInitialState  Kind = "initial_state"
	KindDeviceUpdate  Kind = "device_update"
	KindFlowUpdate    Kind = "flow_update"
	KindThreatUpdate  Kind = "threat_update"
)

// Message is the envelope delivered to every subscriber channel. Only
// the field matching Kind is populated.
type Message struct {
	Kind    Kind
	Device  *types.Device
	Flow    *types.Flow
	Threat  *types.Threat
	Initial *InitialState
}

// InitialState is what a new subscriber receives before any
// incremental update, so it never observes a partial view of the
// world.
type InitialState struct {
	Devices []*types.Device
	Flows   []*types.Flow
	Threats []*types.Threat
}

type subscriber struct {
	ch      chan Message
	dropped atomic.Uint64
}

// Fabric owns the subscriber set and the publish fan-out.
type Fabric struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	queueDepth int
	metrics    *obs.Metrics
}

// New constructs a Fabric with the given per-subscriber channel depth.
func New(queueDepth int, metrics *obs.Metrics) *Fabric {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Fabric{
		subs:       make(map[*subscriber]struct{}),
		queueDepth: queueDepth,
		metrics:    metrics,
	}
}

// Subscription is the handle a caller uses to receive and later stop
// receiving messages.
type Subscription struct {
	Messages <-chan Message
	fabric   *Fabric
	sub      *subscriber
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.fabric.mu.Lock()
	delete(s.fabric.subs, s.sub)
	s.fabric.mu.Unlock()
}

// Dropped reports how many messages this subscription has dropped due
// to backpressure.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }

// Subscribe registers a new subscriber and immediately sends it
// initial, strictly before any later incremental update can reach it
// (the send happens while the fabric's write lock is still held, so no
// concurrent Publish can interleave ahead of it).
func (f *Fabric) Subscribe(initial InitialState) *Subscription {
	sub := &subscriber{ch: make(chan Message, f.queueDepth)}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	sub.ch <- Message{Kind: KindInitialState, Initial: &initial}
	f.mu.Unlock()

	return &Subscription{Messages: sub.ch, fabric: f, sub: sub}
}

// PublishDevice fans a device update out to every subscriber.
func (f *Fabric) PublishDevice(d *types.Device) {
	f.publish(Message{Kind: KindDeviceUpdate, Device: d})
}

// PublishFlow fans a flow update out to every subscriber.
func (f *Fabric) PublishFlow(flow *types.Flow) {
	f.publish(Message{Kind: KindFlowUpdate, Flow: flow})
}

// PublishThreat fans a threat update out to every subscriber.
func (f *Fabric) PublishThreat(t *types.Threat) {
	f.publish(Message{Kind: KindThreatUpdate, Threat: t})
}

func (f *Fabric) publish(msg Message) {
	f.mu.RLock()
	// Snapshot the subscriber set under the lock, then release it
	// before touching any individual channel — publish never holds the
	// fabric lock while it might block on a full channel.
	targets := make([]*subscriber, 0, len(f.subs))
	for s := range f.subs {
		targets = append(targets, s)
	}
	f.mu.RUnlock()

	for _, s := range targets {
		f.sendOrDropOldest(s, msg)
	}
}

// sendOrDropOldest delivers msg to sub's channel, making room by
// discarding the subscriber's own oldest buffered message if the
// channel is full. Other subscribers are never touched by this.
func (f *Fabric) sendOrDropOldest(sub *subscriber, msg Message) {
	select {
	case sub.ch <- msg:
		return
	default:
	}

	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		if f.metrics != nil {
			f.metrics.SubscriberDrops.Inc()
		}
	default:
	}

	select {
	case sub.ch <- msg:
	default:
		// The channel refilled between the drain and this send (another
		// publish raced us); this message is dropped instead.
		sub.dropped.Add(1)
		if f.metrics != nil {
			f.metrics.SubscriberDrops.Inc()
		}
	}
}

// Len reports the current subscriber count, for the health snapshot.
func (f *Fabric) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
