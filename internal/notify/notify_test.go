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

package notify

import (
	"testing"

	"github.com/netinsight-io/sensor/internal/types"
)

func TestSubscribeReceivesInitialStateFirst(t *testing.T) {
	f := New(4, nil)
	sub := f.Subscribe(InitialState{Devices: []*types.Device{{ID: "dev-1"}}})
	defer sub.Close()

	msg := <-sub.Messages
	if msg.Kind != KindInitialState {
		t.Fatalf("first message Kind = %v, want KindInitialState", msg.Kind)
	}
	if len(msg.Initial.Devices) != 1 || msg.Initial.Devices[0].ID != "dev-1" {
		t.Errorf("initial state devices = %+v, want one device dev-1", msg.Initial.Devices)
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	f := New(4, nil)
	sub1 := f.Subscribe(InitialState{})
	sub2 := f.Subscribe(InitialState{})
	defer sub1.Close()
	defer sub2.Close()

	<-sub1.Messages
	<-sub2.Messages

	f.PublishFlow(&types.Flow{ID: "flow-1"})

	m1 := <-sub1.Messages
	m2 := <-sub2.Messages
	if m1.Kind != KindFlowUpdate || m1.Flow.ID != "flow-1" {
		t.Errorf("sub1 got %+v, want a flow_update for flow-1", m1)
	}
	if m2.Kind != KindFlowUpdate || m2.Flow.ID != "flow-1" {
		t.Errorf("sub2 got %+v, want a flow_update for flow-1", m2)
	}
}

func TestPublishDropsOldestWhenChannelFull(t *testing.T) {
	f := New(2, nil)
	sub := f.Subscribe(InitialState{})
	defer sub.Close()

	<-sub.Messages // drain the initial_state message

	f.PublishFlow(&types.Flow{ID: "flow-1"})
	f.PublishFlow(&types.Flow{ID: "flow-2"})
	f.PublishFlow(&types.Flow{ID: "flow-3"})

	if sub.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", sub.Dropped())
	}

	first := <-sub.Messages
	second := <-sub.Messages
	if first.Flow.ID != "flow-2" {
		t.Errorf("expected the oldest (flow-1) to have been dropped, got %q first", first.Flow.ID)
	}
	if second.Flow.ID != "flow-3" {
		t.Errorf("second buffered message = %q, want flow-3", second.Flow.ID)
	}
}

func TestCloseUnregistersSubscriberAndIsIdempotent(t *testing.T) {
	f := New(4, nil)
	sub := f.Subscribe(InitialState{})
	<-sub.Messages

	if f.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 before Close", f.Len())
	}
	sub.Close()
	sub.Close()
	if f.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Close", f.Len())
	}

	// Publishing after Close must not panic or block.
	f.PublishDevice(&types.Device{ID: "dev-1"})
}

func TestLenTracksSubscriberCount(t *testing.T) {
	f := New(4, nil)
	if f.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 for a fresh fabric", f.Len())
	}
	s1 := f.Subscribe(InitialState{})
	s2 := f.Subscribe(InitialState{})
	if f.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.Len())
	}
	s1.Close()
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after one Close", f.Len())
	}
	s2.Close()
}
