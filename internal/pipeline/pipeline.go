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

// Package pipeline is the composition root's lifecycle owner: it
// constructs every component from a resolved Config, wires their
// callbacks together, and drives Start/Stop so nothing outlives the
// process that owns it. Every component is built in Start and held by
// the Pipeline; Stop stops capture, drains the aggregator and closes
// the Store.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netinsight-io/sensor/internal/aggregator"
	"github.com/netinsight-io/sensor/internal/capture"
	"github.com/netinsight-io/sensor/internal/config"
	"github.com/netinsight-io/sensor/internal/device"
	"github.com/netinsight-io/sensor/internal/geo"
	"github.com/netinsight-io/sensor/internal/identifier"
	"github.com/netinsight-io/sensor/internal/notify"
	"github.com/netinsight-io/sensor/internal/obs"
	"github.com/netinsight-io/sensor/internal/store"
	"github.com/netinsight-io/sensor/internal/threat"
	"github.com/netinsight-io/sensor/internal/transformer"
	"github.com/netinsight-io/sensor/internal/types"
)

var pipelineLog = obs.Named("pipeline")

// Pipeline owns every long-lived component's lifetime.
type Pipeline struct {
	cfg     *config.Config
	metrics *obs.Metrics

	capture    capture.Source
	geoLookup  *geo.Lookup
	identifier *identifier.Identifier
	devices    *device.Registry
	threats    *threat.Engine
	aggregator *aggregator.Aggregator
	store      *store.Store
	fabric     *notify.Fabric

	cancel context.CancelFunc
	wg     sync.WaitGroup

	serial uint64
}

// New constructs a Pipeline from a resolved configuration. No component
// is started yet; call Start.
func New(cfg *config.Config, metrics *obs.Metrics) *Pipeline {
	return &Pipeline{cfg: cfg, metrics: metrics}
}

// Start constructs and starts every component: opens the Store and
// runs its migrations, initialises Geo, begins capture (non-fatally, if
// the interface is unavailable), and launches the idle-flow and
// cleanup background loops.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	st, err := store.Open(runCtx, store.Config{
		Path:          p.cfg.StorePath,
		BatchSize:     p.cfg.BatchSize,
		BatchInterval: p.cfg.BatchInterval,
		RetryAttempts: p.cfg.StoreRetryAttempts,
		RetryDelay:    p.cfg.StoreRetryDelay,
	}, p.metrics)
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: open store: %w", err)
	}
	p.store = st

	p.fabric = notify.New(p.cfg.SubscriberQueueDepth, p.metrics)

	p.geoLookup = geo.New(p.cfg.GeoDatabasePath, p.cfg.GeoASNDatabasePath)
	go p.geoLookup.WatchForUpdates(runCtx)

	p.identifier = identifier.New(identifier.Config{
		EnableDNSTracking:  p.cfg.EnableDNSTracking,
		EnableReverseDNS:   p.cfg.EnableReverseDNS,
		EnableDPI:          p.cfg.EnableDPI,
		EnableFingerprint:  p.cfg.EnableFingerprint,
		EnableSNI:          p.cfg.EnableSNI,
		EnableALPN:         p.cfg.EnableALPN,
		ReverseDNSTimeout:  p.cfg.ReverseDNSTimeout,
		ReverseDNSRetries:  p.cfg.ReverseDNSRetries,
		MaxDNSCacheEntries: p.cfg.MaxDNSCacheEntries,
	}, p.metrics)

	p.devices = device.New(device.NewNullOUIResolver(), func(d *types.Device) {
		p.onDeviceUpdate(runCtx, d)
	})

	p.threats = threat.New()

	p.aggregator = aggregator.New(aggregator.Config{
		SamplingRate:      p.cfg.SamplingRate,
		IdleTimeout:       p.cfg.IdleTimeout,
		MaxActiveFlows:    p.cfg.MaxActiveFlows,
		HighRiskCountries: p.cfg.HighRiskCountries,
		SuspiciousTLDs:    p.cfg.SuspiciousTLDs,
		EnableReverseDNS:  p.cfg.EnableReverseDNS,
	}, p.identifier, p.geoLookup, p.devices, p.threats, p.metrics,
		func(flow types.Flow) { p.onFlowFinalised(runCtx, flow) },
		func(t types.Threat) { p.onThreat(runCtx, t) },
	)

	p.capture = capture.NewLiveSource(p.cfg.Interface, p.cfg.BPFFilter, p.cfg.PacketQueueDepth, p.metrics)
	if err := p.capture.Start(runCtx); err != nil {
		// Non-fatal: capture stays disabled, the rest of the pipeline
		// keeps running without live packets.
		pipelineLog.Sugar().Warnw("capture unavailable, continuing without live packets", "error", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.ingestLoop(runCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.aggregator.RunIdleJanitor(runCtx, p.cfg.IdleTimeout/2)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.cleanupLoop(runCtx)
	}()

	return nil
}

// ingestLoop reads raw packets off the capture source, decodes them,
// and submits them to the aggregator. Exits when the capture channel
// closes (interface gone) or the context is cancelled.
func (p *Pipeline) ingestLoop(ctx context.Context) {
	if p.capture == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-p.capture.Packets():
			if !ok {
				return
			}
			p.serial++
			dp, err := transformer.Decode(ctx, p.serial, pkt)
			if err != nil {
				if p.metrics != nil {
					p.metrics.PacketsDropped.Inc()
				}
				continue
			}
			p.aggregator.Submit(ctx, dp)
		}
	}
}

func (p *Pipeline) cleanupLoop(ctx context.Context) {
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -p.cfg.DataRetentionDays)
			n, err := p.store.Cleanup(ctx, cutoff)
			if err != nil {
				pipelineLog.Sugar().Errorw("cleanup failed", "error", err)
				continue
			}
			pipelineLog.Sugar().Infow("cleanup complete", "rows_removed", n)
		}
	}
}

func (p *Pipeline) onFlowFinalised(ctx context.Context, flow types.Flow) {
	p.store.InsertFlow(flow)
	p.fabric.PublishFlow(&flow)
}

func (p *Pipeline) onThreat(ctx context.Context, t types.Threat) {
	if err := p.store.UpsertThreat(ctx, t); err != nil {
		pipelineLog.Sugar().Errorw("persist threat failed", "error", err, "threat_id", t.ID)
	}
	p.fabric.PublishThreat(&t)
}

func (p *Pipeline) onDeviceUpdate(ctx context.Context, d *types.Device) {
	if err := p.store.UpsertDevice(ctx, *d); err != nil {
		pipelineLog.Sugar().Errorw("persist device failed", "error", err, "device_id", d.ID)
	}
	p.fabric.PublishDevice(d)
}

// Stop drains every active flow, stops every background goroutine, then
// flushes the Store's write batch and closes the Store.
// cfg.ShutdownDeadline bounds the reverse-DNS lookups made while
// draining: once it passes, the remaining flows are still finalised,
// without a reverse-DNS name. Closing the Store waits for its final
// flush with no deadline.
func (p *Pipeline) Stop(ctx context.Context) error {
	deadline := p.cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, deadline)
	defer shutdownCancel()

	if p.capture != nil {
		p.capture.Stop()
	}

	if p.aggregator != nil {
		p.aggregator.Drain(shutdownCtx)
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.store != nil {
		if err := p.store.Close(); err != nil {
			return fmt.Errorf("pipeline: close store: %w", err)
		}
	}
	return nil
}

// Health is the orchestrator's health snapshot, covering every
// component an external adapter would want to surface.
type Health struct {
	Capture     capture.Stats
	ActiveFlows int
	Subscribers int
	StoreOK     bool
	StoreError  string
	StoreLatency time.Duration
}

// Snapshot reads the current health of every component.
func (p *Pipeline) Snapshot(ctx context.Context) Health {
	h := Health{}
	if p.capture != nil {
		h.Capture = p.capture.Stats()
	}
	if p.aggregator != nil {
		h.ActiveFlows = p.aggregator.Stats().ActiveFlows
	}
	if p.fabric != nil {
		h.Subscribers = p.fabric.Len()
	}
	if p.store != nil {
		latency, err := p.store.Ping(ctx)
		h.StoreLatency = latency
		h.StoreOK = err == nil
		if err != nil {
			h.StoreError = err.Error()
		}
	}
	return h
}

// Subscribe registers a new live-update subscriber, seeded with the
// current device/threat snapshot from the Store so it never observes a
// partial view of the world. Flows are not replayed on subscribe: only
// the Store's QueryFlows surface serves flow history.
func (p *Pipeline) Subscribe(ctx context.Context) (*notify.Subscription, error) {
	devices, err := p.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	threats, err := p.store.ListThreats(ctx, true)
	if err != nil {
		return nil, err
	}

	devicePtrs := make([]*types.Device, len(devices))
	for i := range devices {
		devicePtrs[i] = &devices[i]
	}
	threatPtrs := make([]*types.Threat, len(threats))
	for i := range threats {
		threatPtrs[i] = &threats[i]
	}

	return p.fabric.Subscribe(notify.InitialState{
		Devices: devicePtrs,
		Threats: threatPtrs,
	}), nil
}

// Store exposes the underlying Store for an external adapter's query
// surface (ListFlows/GetDevice/SearchThreats/etc.).
func (p *Pipeline) Store() *store.Store { return p.store }
