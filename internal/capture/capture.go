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

// Package capture owns the one genuinely blocking thread boundary in
// the pipeline: a libpcap handle opened in promiscuous mode against a
// single interface, driven by the OS kernel. It opens the interface,
// applies a BPF filter, and hands decoded packets to a single bounded
// channel; it never transmits.
package capture

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/netinsight-io/sensor/internal/errs"
	"github.com/netinsight-io/sensor/internal/obs"
)

// DefaultBPFFilter passes every IPv4/IPv6 packet when no filter is
// configured.
const DefaultBPFFilter = "ip or ip6"

const snapLen = 262_144 // large enough to capture a full TLS ClientHello

// Source is the capture boundary's contract: a channel of raw packets
// plus liveness/stat introspection for the orchestrator's health
// surface.
type Source interface {
	// Packets returns the channel packets are delivered on. Closed once
	// the source stops for any reason.
	Packets() <-chan gopacket.Packet
	// Start opens the interface and begins the blocking read loop on a
	// dedicated goroutine. Returns errs.ErrCaptureUnavailable if the
	// interface is missing or permission was denied — this is
	// non-fatal, the rest of the pipeline keeps running without live
	// packets.
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Stats() Stats
}

// Stats mirrors the capture section of the orchestrator's health
// snapshot.
type Stats struct {
	Running          bool
	Interface        string
	PacketsCaptured  uint64
	PacketsDropped   uint64 // dropped because the ingest channel was full
}

// LiveSource captures from a real interface via libpcap.
type LiveSource struct {
	iface     string
	bpfFilter string

	handle  *pcap.Handle
	running atomic.Bool

	packets chan gopacket.Packet
	metrics *obs.Metrics

	captured atomic.Uint64
	dropped  atomic.Uint64
}

// NewLiveSource constructs a capture source for iface with the given
// BPF filter and a bounded output channel. metrics may be nil in tests.
func NewLiveSource(iface, bpfFilter string, queueDepth int, metrics *obs.Metrics) *LiveSource {
	if bpfFilter == "" {
		bpfFilter = DefaultBPFFilter
	}
	return &LiveSource{
		iface:     iface,
		bpfFilter: bpfFilter,
		packets:   make(chan gopacket.Packet, queueDepth),
		metrics:   metrics,
	}
}

func (s *LiveSource) Packets() <-chan gopacket.Packet { return s.packets }

func (s *LiveSource) Running() bool { return s.running.Load() }

func (s *LiveSource) Stats() Stats {
	return Stats{
		Running:         s.running.Load(),
		Interface:       s.iface,
		PacketsCaptured: s.captured.Load(),
		PacketsDropped:  s.dropped.Load(),
	}
}

// Start opens the interface promiscuously and begins the blocking
// capture loop on a dedicated goroutine.
func (s *LiveSource) Start(ctx context.Context) error {
	inactive, err := pcap.NewInactiveHandle(s.iface)
	if err != nil {
		return fmt.Errorf("capture: open %s: %w: %w", s.iface, errs.ErrCaptureUnavailable, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(snapLen); err != nil {
		return fmt.Errorf("capture: snaplen: %w", err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return fmt.Errorf("capture: promisc: %w: %w", errs.ErrCaptureUnavailable, err)
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		return fmt.Errorf("capture: timeout: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return fmt.Errorf("capture: activate %s: %w: %w", s.iface, errs.ErrCaptureUnavailable, err)
	}

	if err := handle.SetBPFFilter(s.bpfFilter); err != nil {
		handle.Close()
		return fmt.Errorf("capture: bpf filter %q: %w", s.bpfFilter, err)
	}

	s.handle = handle
	s.running.Store(true)

	go s.loop(ctx)
	return nil
}

func (s *LiveSource) loop(ctx context.Context) {
	log := obs.Named("capture")
	defer close(s.packets)
	defer s.running.Store(false)

	src := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-src.Packets():
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			s.captured.Add(1)
			select {
			case s.packets <- pkt:
			case <-ctx.Done():
				return
			default:
				s.dropped.Add(1)
				if s.metrics != nil {
					s.metrics.PacketsDropped.Inc()
				}
				log.Sugar().Debugw("ingest queue full, dropping packet")
			}
		}
	}
}

func (s *LiveSource) Stop() {
	if s.handle != nil {
		s.handle.Close()
	}
	s.running.Store(false)
}
