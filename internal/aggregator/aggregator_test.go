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

package aggregator

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/netinsight-io/sensor/internal/device"
	"github.com/netinsight-io/sensor/internal/identifier"
	"github.com/netinsight-io/sensor/internal/threat"
	"github.com/netinsight-io/sensor/internal/transformer"
	"github.com/netinsight-io/sensor/internal/types"
)

func newTestAggregator(t *testing.T, onFlow func(types.Flow), onThreat func(types.Threat)) *Aggregator {
	t.Helper()
	id := identifier.New(identifier.Config{}, nil)
	devices := device.New(device.NewNullOUIResolver(), nil)
	engine := threat.New()
	return New(Config{MaxActiveFlows: 100, IdleTimeout: time.Minute}, id, nil, devices, engine, nil, onFlow, onThreat)
}

func tcpDP(src netip.Addr, srcPort uint16, dst netip.Addr, dstPort uint16, flags types.TCPFlags, seq uint32, at time.Time, payloadBytes int) *transformer.DecodedPacket {
	return &transformer.DecodedPacket{
		Packet: types.Packet{
			SrcAddr: src, DstAddr: dst, SrcPort: srcPort, DstPort: dstPort,
			Proto: types.ProtoTCP, HasTCP: true, TCPFlags: flags, SeqNum: seq,
			CapturedBytes: payloadBytes, Timestamp: at,
		},
		HasTransport: true,
	}
}

func TestSubmitHandshakeAndCloseFinalisesFlow(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)

	now := time.Now()
	ctx := context.Background()

	a.Submit(ctx, tcpDP(client, 51000, server, 443, types.TCPFlagSYN, 1, now, 40))
	a.Submit(ctx, tcpDP(server, 443, client, 51000, types.TCPFlagSYN|types.TCPFlagACK, 1, now.Add(time.Millisecond), 40))
	a.Submit(ctx, tcpDP(client, 51000, server, 443, types.TCPFlagACK, 2, now.Add(2*time.Millisecond), 0))
	a.Submit(ctx, tcpDP(client, 51000, server, 443, types.TCPFlagPSH|types.TCPFlagACK, 2, now.Add(3*time.Millisecond), 512))
	a.Submit(ctx, tcpDP(server, 443, client, 51000, types.TCPFlagACK, 2, now.Add(4*time.Millisecond), 0))

	if a.Stats().ActiveFlows != 1 {
		t.Fatalf("expected one active flow mid-connection, got %d", a.Stats().ActiveFlows)
	}

	a.Submit(ctx, tcpDP(client, 51000, server, 443, types.TCPFlagFIN|types.TCPFlagACK, 3, now.Add(5*time.Millisecond), 0))
	a.Submit(ctx, tcpDP(server, 443, client, 51000, types.TCPFlagFIN|types.TCPFlagACK, 2, now.Add(6*time.Millisecond), 0))

	if len(finalised) != 1 {
		t.Fatalf("expected exactly one finalised flow, got %d", len(finalised))
	}
	flow := finalised[0]
	if flow.ConnState != types.StateClosed {
		t.Errorf("flow.ConnState = %v, want StateClosed", flow.ConnState)
	}
	if flow.Status != types.FlowClosed {
		t.Errorf("flow.Status = %v, want FlowClosed", flow.Status)
	}
	if flow.BytesOut == 0 {
		t.Error("expected nonzero outbound bytes from the client's PSH segment")
	}
	if a.Stats().ActiveFlows != 0 {
		t.Errorf("expected the active table to be empty after close, got %d", a.Stats().ActiveFlows)
	}
}

func TestSubmitRSTRecordsResetAndFinalisesOnce(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)
	ctx := context.Background()
	now := time.Now()

	a.Submit(ctx, tcpDP(client, 4000, server, 22, types.TCPFlagSYN, 1, now, 0))
	a.Submit(ctx, tcpDP(server, 22, client, 4000, types.TCPFlagRST, 1, now.Add(time.Millisecond), 0))

	if len(finalised) != 1 {
		t.Fatalf("expected one finalised flow after RST, got %d", len(finalised))
	}
	if finalised[0].ConnState != types.StateReset {
		t.Errorf("flow.ConnState = %v, want StateReset", finalised[0].ConnState)
	}
}

func TestRetransmissionIsCounted(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)
	ctx := context.Background()
	now := time.Now()

	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagSYN, 1, now, 0))
	a.Submit(ctx, tcpDP(server, 80, client, 4000, types.TCPFlagSYN|types.TCPFlagACK, 1, now.Add(time.Millisecond), 0))
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagACK|types.TCPFlagPSH, 2, now.Add(2*time.Millisecond), 100))
	// Same sequence number seen again: a retransmission.
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagACK|types.TCPFlagPSH, 2, now.Add(3*time.Millisecond), 100))
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagFIN|types.TCPFlagACK, 3, now.Add(4*time.Millisecond), 0))
	a.Submit(ctx, tcpDP(server, 80, client, 4000, types.TCPFlagFIN|types.TCPFlagACK, 2, now.Add(5*time.Millisecond), 0))

	if len(finalised) != 1 {
		t.Fatalf("expected one finalised flow, got %d", len(finalised))
	}
	if finalised[0].Retransmissions != 1 {
		t.Errorf("Retransmissions = %d, want 1", finalised[0].Retransmissions)
	}
}

func TestJitterReflectsInterArrivalVariance(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)
	ctx := context.Background()
	now := time.Now()

	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagSYN, 1, now, 0))
	a.Submit(ctx, tcpDP(server, 80, client, 4000, types.TCPFlagSYN|types.TCPFlagACK, 1, now.Add(10*time.Millisecond), 0))
	// Uneven spacing between the following packets is what jitter measures.
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagACK|types.TCPFlagPSH, 2, now.Add(20*time.Millisecond), 100))
	a.Submit(ctx, tcpDP(server, 80, client, 4000, types.TCPFlagACK, 2, now.Add(60*time.Millisecond), 0))
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagACK|types.TCPFlagPSH, 3, now.Add(65*time.Millisecond), 100))
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagFIN|types.TCPFlagACK, 4, now.Add(70*time.Millisecond), 0))
	a.Submit(ctx, tcpDP(server, 80, client, 4000, types.TCPFlagFIN|types.TCPFlagACK, 2, now.Add(75*time.Millisecond), 0))

	if len(finalised) != 1 {
		t.Fatalf("expected one finalised flow, got %d", len(finalised))
	}
	if finalised[0].RTTMillis <= 0 {
		t.Errorf("RTTMillis = %v, want > 0", finalised[0].RTTMillis)
	}
	if finalised[0].JitterMillis <= 0 {
		t.Errorf("JitterMillis = %v, want > 0 given uneven inter-arrival spacing", finalised[0].JitterMillis)
	}
}

func TestSubmitDropsDuplicatePacketWithinOneMillisecond(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	a := newTestAggregator(t, nil, nil)
	ctx := context.Background()
	now := time.Now()

	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagSYN, 1, now, 64))
	// Same arrival time and length: the capture tap saw this frame twice.
	a.Submit(ctx, tcpDP(client, 4000, server, 80, types.TCPFlagSYN, 1, now, 64))

	if a.Stats().Duplicates != 1 {
		t.Errorf("Stats().Duplicates = %d, want 1", a.Stats().Duplicates)
	}
	if a.Stats().ActiveFlows != 1 {
		t.Errorf("ActiveFlows = %d, want 1 (the duplicate must not create a second flow)", a.Stats().ActiveFlows)
	}
}

func TestSubmitSamplingKeepsEveryNthPacketDeterministically(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	id := identifier.New(identifier.Config{}, nil)
	devices := device.New(device.NewNullOUIResolver(), nil)
	engine := threat.New()
	a := New(Config{MaxActiveFlows: 100, IdleTimeout: time.Minute, SamplingRate: 0.5},
		id, nil, devices, engine, nil, nil, nil)
	ctx := context.Background()
	now := time.Now()

	// Every packet is its own flow (distinct source ports) and spaced well
	// past the dedup window, isolating the sampling gate under test.
	for i := 0; i < 4; i++ {
		a.Submit(ctx, tcpDP(client, uint16(5000+i), server, 80, types.TCPFlagSYN, 1,
			now.Add(time.Duration(i)*10*time.Millisecond), 0))
	}

	if got := a.Stats().ActiveFlows; got != 2 {
		t.Errorf("ActiveFlows = %d, want 2 (every 2nd packet kept at sampling_rate=0.5)", got)
	}
}

func TestSweepIdleFinalisesStaleFlows(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")

	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)
	a.cfg.IdleTimeout = 10 * time.Millisecond
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	a.Submit(ctx, tcpDP(client, 9000, server, 53, 0, 0, stale, 10))

	a.sweepIdle(ctx)

	if len(finalised) != 1 {
		t.Fatalf("expected the stale flow to be finalised, got %d", len(finalised))
	}
	if a.Stats().ActiveFlows != 0 {
		t.Errorf("expected no active flows after sweep, got %d", a.Stats().ActiveFlows)
	}
}

func TestEvictOldestRespectsActiveFlowCap(t *testing.T) {
	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)
	a.cfg.MaxActiveFlows = 1
	ctx := context.Background()
	now := time.Now()

	first := netip.MustParseAddr("10.0.0.1")
	second := netip.MustParseAddr("10.0.0.2")
	server := netip.MustParseAddr("10.0.0.9")

	a.Submit(ctx, tcpDP(first, 1111, server, 53, 0, 0, now, 10))
	a.Submit(ctx, tcpDP(second, 2222, server, 53, 0, 0, now.Add(time.Second), 10))

	if len(finalised) == 0 {
		t.Fatal("expected the oldest flow to be force-finalised once the cap was exceeded")
	}
}

func TestDrainFinalisesEverything(t *testing.T) {
	var finalised []types.Flow
	a := newTestAggregator(t, func(f types.Flow) { finalised = append(finalised, f) }, nil)
	ctx := context.Background()
	now := time.Now()

	client := netip.MustParseAddr("10.0.0.5")
	server := netip.MustParseAddr("10.0.0.9")
	a.Submit(ctx, tcpDP(client, 5000, server, 53, 0, 0, now, 10))

	a.Drain(ctx)

	if len(finalised) != 1 {
		t.Fatalf("expected Drain to finalise the single active flow, got %d", len(finalised))
	}
	if a.Stats().ActiveFlows != 0 {
		t.Errorf("expected no active flows after Drain, got %d", a.Stats().ActiveFlows)
	}
}

func TestDeviceSideUsesWhicheverEndpointHasAMAC(t *testing.T) {
	var devices []*types.Device
	id := identifier.New(identifier.Config{}, nil)
	reg := device.New(device.NewNullOUIResolver(), func(d *types.Device) { devices = append(devices, d) })
	engine := threat.New()
	a := New(Config{MaxActiveFlows: 100, IdleTimeout: time.Minute}, id, nil, reg, engine, nil, func(types.Flow) {}, nil)

	client := netip.MustParseAddr("192.168.1.50")
	server := netip.MustParseAddr("93.184.216.34")
	now := time.Now()
	ctx := context.Background()

	dp := tcpDP(client, 4000, server, 443, types.TCPFlagSYN, 1, now, 0)
	dp.Packet.SrcMAC = []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	a.Submit(ctx, dp)
	a.Submit(ctx, tcpDP(server, 443, client, 4000, types.TCPFlagRST, 1, now.Add(time.Millisecond), 0))

	if reg.Len() != 1 {
		t.Fatalf("expected the registry to record exactly one device, got %d", reg.Len())
	}
	if len(devices) == 0 {
		t.Fatal("expected a device update callback")
	}
	if !devices[0].IP.IsValid() || devices[0].IP != client {
		t.Errorf("device IP = %v, want the MAC-bearing client address %v", devices[0].IP, client)
	}
}
