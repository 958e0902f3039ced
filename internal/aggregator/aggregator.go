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

// Package aggregator turns a stream of decoded packets into
// finalised, enriched Flow records. An active-flow table keyed by the
// canonical 5-tuple absorbs packets as they arrive; a flow is
// finalised (removed from the table, enriched, scored, and handed to
// its callbacks) when it reaches a terminal TCP state, goes idle past
// a configured timeout, or is force-closed to respect the active-flow
// cap.
package aggregator

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/oklog/ulid/v2"

	"github.com/netinsight-io/sensor/internal/device"
	"github.com/netinsight-io/sensor/internal/geo"
	"github.com/netinsight-io/sensor/internal/identifier"
	"github.com/netinsight-io/sensor/internal/obs"
	"github.com/netinsight-io/sensor/internal/threat"
	"github.com/netinsight-io/sensor/internal/transformer"
	"github.com/netinsight-io/sensor/internal/types"
)

// Config controls sampling, flow lifecycle, and threat-rule inputs.
type Config struct {
	SamplingRate   float64
	IdleTimeout    time.Duration
	MaxActiveFlows int

	HighRiskCountries []string
	SuspiciousTLDs    []string

	EnableReverseDNS bool
}

// Aggregator owns the active-flow table and the enrichment/scoring
// fan-out a flow goes through at finalisation.
type Aggregator struct {
	cfg Config

	flows *haxmap.Map[string, *activeFlow]

	identifier *identifier.Identifier
	geoLookup  *geo.Lookup
	devices    *device.Registry
	threats    *threat.Engine
	metrics    *obs.Metrics

	onFlowUpdate func(types.Flow)
	onThreat     func(types.Threat)

	highRisk map[string]bool
	tlds     map[string]bool

	recentPorts *haxmap.Map[string, *portWindow]

	// sampleInterval is ceil(1/SamplingRate): every sampleInterval-th
	// packet is kept. sampleCounter is the running count fed to it.
	sampleInterval uint64
	sampleCounter  atomic.Uint64

	dedup      dedupGate
	duplicates atomic.Uint64
}

// New constructs an Aggregator. onFlowUpdate/onThreat are invoked
// synchronously at finalisation time and must not block; wire them to
// internal/notify and internal/store from the orchestrator.
func New(cfg Config, id *identifier.Identifier, geoLookup *geo.Lookup, devices *device.Registry,
	threats *threat.Engine, metrics *obs.Metrics, onFlowUpdate func(types.Flow), onThreat func(types.Threat),
) *Aggregator {
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxActiveFlows <= 0 {
		cfg.MaxActiveFlows = 10_000
	}

	highRisk := make(map[string]bool, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		highRisk[c] = true
	}
	tlds := make(map[string]bool, len(cfg.SuspiciousTLDs))
	for _, t := range cfg.SuspiciousTLDs {
		tlds[t] = true
	}

	sampleInterval := uint64(1)
	if cfg.SamplingRate < 1.0 {
		sampleInterval = uint64(math.Ceil(1.0 / cfg.SamplingRate))
	}

	return &Aggregator{
		cfg:            cfg,
		flows:          haxmap.New[string, *activeFlow](),
		identifier:     id,
		geoLookup:      geoLookup,
		devices:        devices,
		threats:        threats,
		metrics:        metrics,
		onFlowUpdate:   onFlowUpdate,
		onThreat:       onThreat,
		highRisk:       highRisk,
		tlds:           tlds,
		recentPorts:    haxmap.New[string, *portWindow](),
		sampleInterval: sampleInterval,
		dedup:          newDedupGate(),
	}
}

// dedupWindow is how long a packet signature is remembered for the
// duplicate-suppression gate: two packets with the same arrival time
// and length observed within this window are treated as one packet
// captured twice (e.g. by overlapping taps), not two real packets.
const dedupWindow = time.Millisecond

// dedupSweepThreshold bounds how large the signature map is allowed to
// grow before a lazy sweep of expired entries runs.
const dedupSweepThreshold = 4096

// dedupGate suppresses packets treated as duplicates of one just seen,
// identified only by a hash of arrival time and reported length; packet
// contents are not compared.
type dedupGate struct {
	mu   sync.Mutex
	seen map[uint64]time.Time
}

func newDedupGate() dedupGate {
	return dedupGate{seen: make(map[uint64]time.Time)}
}

// duplicate reports whether a packet with this signature was already
// observed within dedupWindow, recording the current arrival either
// way.
func (d *dedupGate) duplicate(signature uint64, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[signature]; ok && at.Sub(last) < dedupWindow {
		d.seen[signature] = at
		return true
	}
	d.seen[signature] = at

	if len(d.seen) > dedupSweepThreshold {
		for sig, t := range d.seen {
			if at.Sub(t) >= dedupWindow {
				delete(d.seen, sig)
			}
		}
	}
	return false
}

// packetSignature hashes a packet's arrival time and reported length:
// the pair the duplicate-suppression gate keys on.
func packetSignature(pkt types.Packet) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(pkt.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(pkt.ReportedBytes))
	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}

var decoderLog = obs.Named("aggregator")

// Submit processes one decoded packet, updating or creating its flow.
// Every packet first passes a duplicate-suppression gate, then a
// deterministic counter-based sampling gate that keeps every
// sampleInterval-th packet — never a probabilistic coin flip, so the
// same capture replayed twice samples identically.
func (a *Aggregator) Submit(ctx context.Context, dp *transformer.DecodedPacket) {
	if a.dedup.duplicate(packetSignature(dp.Packet), dp.Packet.Timestamp) {
		a.duplicates.Add(1)
		if a.metrics != nil {
			a.metrics.PacketsDuplicate.Inc()
		}
		return
	}

	if a.sampleInterval > 1 {
		if a.sampleCounter.Add(1)%a.sampleInterval != 0 {
			return
		}
	}

	if a.metrics != nil {
		a.metrics.PacketsSeen.Inc()
	}

	pkt := dp.Packet
	key, dir := canonicalize(pkt)
	ks := keyString(key)

	flow, created := a.getOrCreate(ks, key, pkt.Timestamp)
	if created {
		a.trackPort(key.SrcAddr.String(), key.DstPort, pkt.Timestamp)
	}

	flow.mu.Lock()
	a.applyPacket(flow, dp, dir)
	terminal := flow.isTerminal()
	flow.mu.Unlock()

	if terminal {
		a.finalize(ctx, ks, flow, "closed")
	}

	if a.metrics != nil {
		a.metrics.ActiveFlows.Set(float64(a.flows.Len()))
	}

	if int(a.flows.Len()) > a.cfg.MaxActiveFlows {
		a.evictOldest(ctx)
	}
}

func (a *Aggregator) getOrCreate(ks string, key types.FlowKey, at time.Time) (*activeFlow, bool) {
	if f, ok := a.flows.Get(ks); ok {
		return f, false
	}
	f := newActiveFlow(ulid.Make().String(), key, at)
	a.flows.Set(ks, f)
	return f, true
}

func (a *Aggregator) applyPacket(f *activeFlow, dp *transformer.DecodedPacket, dir direction) {
	pkt := dp.Packet
	f.lastSeen = pkt.Timestamp
	if f.firstSeen.IsZero() {
		f.firstSeen = pkt.Timestamp
	}
	f.recordArrival(pkt.Timestamp)

	bytes := uint64(pkt.CapturedBytes)
	if dir == dirForward {
		f.bytesFwd += bytes
		f.packetsFwd++
	} else {
		f.bytesRev += bytes
		f.packetsRev++
	}

	if pkt.HasTTL {
		f.ttl = pkt.TTL
		f.hasTTL = true
	}
	if dir == dirForward && len(pkt.SrcMAC) > 0 {
		f.srcMAC = pkt.SrcMAC
	}
	if dir == dirForward && len(pkt.DstMAC) > 0 {
		f.dstMAC = pkt.DstMAC
	}
	if dir == dirReverse && len(pkt.SrcMAC) > 0 {
		f.dstMAC = pkt.SrcMAC
	}
	if dir == dirReverse && len(pkt.DstMAC) > 0 {
		f.srcMAC = pkt.DstMAC
	}

	if pkt.HasTCP {
		f.totalTCPPackets++
		if f.observeSequence(dir, pkt.SeqNum) {
			f.retransmissions++
		}
		f.flags |= pkt.TCPFlags
		f.advanceState(pkt.TCPFlags)

		if !f.sawSynAt && pkt.TCPFlags.Has(types.TCPFlagSYN) {
			f.synAt = pkt.Timestamp
			f.sawSynAt = true
		} else if f.sawSynAt && !f.rttTaken && pkt.TCPFlags.Has(types.TCPFlagACK) && dir == dirReverse {
			f.recordRTT(pkt.Timestamp.Sub(f.synAt))
			f.rttTaken = true
		}
	} else {
		// Non-TCP (UDP/ICMP) flows never leave StateEstablished; only
		// idle timeout or the capacity janitor finalises them.
		f.state = types.StateEstablished
	}

	if dp.TLSClientHello != nil && f.sni == "" {
		if sni, ok := a.identifier.ExtractSNI(dp.TLSClientHello); ok {
			f.sni = sni
		}
	}
	if dp.AppPayload != nil {
		if f.httpMethod == "" {
			if httpInfo, ok := a.identifier.ExtractHTTP(dp.AppPayload); ok {
				f.httpMethod = httpInfo.Method
				f.url = httpInfo.URL
				f.userAgent = httpInfo.UserAgent
				if f.domain == "" {
					f.domain = httpInfo.Host
				}
			}
		}
		if f.application == "" {
			port := pkt.DstPort
			if dir == dirReverse {
				port = pkt.SrcPort
			}
			if app, ok := a.identifier.ClassifyDPI(dp.AppPayload, port); ok {
				f.application = app
			}
		}
	}
	if dp.DNS != nil {
		a.identifier.ObserveDNS(dp.DNS)
		if f.dnsQueryType == "" && len(dp.DNS.Questions) > 0 {
			f.dnsQueryType = dp.DNS.Questions[0].Type.String()
		}
		if dp.DNS.QR {
			f.dnsResponseCode = dp.DNS.ResponseCode.String()
			if dp.DNS.ResponseCode != 0 {
				a.threats.ObserveDNSFailure(f.key.SrcAddr.String(), pkt.Timestamp)
			}
		}
	}
	if pkt.TCPFlags.Has(types.TCPFlagRST) {
		a.threats.ObserveRST(f.key.SrcAddr.String(), pkt.Timestamp)
	}
}

// finalize removes a flow from the active table, enriches it, scores
// it for threats, and invokes the configured callbacks. Safe to call
// more than once for the same key; the second call is a no-op because
// the entry has already been deleted.
func (a *Aggregator) finalize(ctx context.Context, ks string, f *activeFlow, reason string) {
	if _, ok := a.flows.Get(ks); !ok {
		return
	}
	a.flows.Del(ks)

	f.mu.Lock()
	flow := a.snapshot(f)
	f.mu.Unlock()

	a.enrich(ctx, &flow)

	if a.devices != nil {
		deviceIP, deviceMAC, ok := a.deviceSide(f)
		if ok {
			retransRatio := f.retransRatio()
			d := a.devices.Observe(device.FlowObservation{
				DeviceIP:     deviceIP,
				DeviceMAC:    deviceMAC,
				Bytes:        flow.BytesIn + flow.BytesOut,
				Application:  flow.Application,
				RTTMillis:    flow.RTTMillis,
				HasRTT:       flow.RTTMillis > 0,
				RetransRatio: retransRatio,
				At:           flow.LastSeen,
			})
			flow.DeviceID = d.ID
		}
	}

	var (
		matchedThreat types.Threat
		haveThreat    bool
	)
	if a.threats != nil {
		if t, matched := a.threats.Score(threat.FlowContext{
			Flow:              flow,
			HighRiskCountries:  a.highRisk,
			SuspiciousTLDs:     a.tlds,
			DistinctDstPorts:   a.distinctPortsFor(flow.SrcAddr.String(), flow.LastSeen),
		}); matched {
			flow.ThreatLevel = t.Severity
			if a.devices != nil && flow.DeviceID != "" {
				a.devices.SetThreatScore(flow.DeviceID, t.Score)
			}
			matchedThreat, haveThreat = t, true
		}
	}

	if a.metrics != nil {
		if reason == "capacity" {
			a.metrics.FlowsForceClosed.Inc()
		} else {
			a.metrics.FlowsFinalised.Inc()
		}
		a.metrics.ActiveFlows.Set(float64(a.flows.Len()))
	}

	// The flow must be observed by the Store, and published to
	// subscribers, before any threat derived from it — never the
	// reverse.
	if a.onFlowUpdate != nil {
		a.onFlowUpdate(flow)
	}
	if haveThreat && a.onThreat != nil {
		a.onThreat(matchedThreat)
	}
}

func (a *Aggregator) snapshot(f *activeFlow) types.Flow {
	durationMS := f.lastSeen.Sub(f.firstSeen).Milliseconds()
	return types.Flow{
		ID:         f.id,
		SrcAddr:    f.key.SrcAddr,
		SrcPort:    f.key.SrcPort,
		DstAddr:    f.key.DstAddr,
		DstPort:    f.key.DstPort,
		Proto:      f.key.Proto,
		BytesOut:   f.bytesFwd,
		BytesIn:    f.bytesRev,
		PacketsOut: f.packetsFwd,
		PacketsIn:  f.packetsRev,
		FirstSeen:  f.firstSeen,
		LastSeen:   f.lastSeen,
		DurationMS: durationMS,
		Status:     types.FlowClosed,
		ConnState:  f.state,
		Flags:      f.flags,
		SNI:        f.sni,
		Application: f.application,
		HTTPMethod: f.httpMethod,
		URL:        f.url,
		UserAgent:  f.userAgent,
		Domain:     f.domain,
		DNSQueryType:    f.dnsQueryType,
		DNSResponseCode: f.dnsResponseCode,
		TTL:             f.ttl,
		RTTMillis:       f.avgRTT(),
		JitterMillis:    f.avgJitter(),
		Retransmissions: f.retransmissions,
	}
}

// enrich fills in Domain/Country/City/ASN at finalisation time only:
// reverse DNS is the one network call the whole pipeline makes, and
// both it and the geo lookup are deliberately deferred until a flow is
// done so they never sit on the packet ingest path.
func (a *Aggregator) enrich(ctx context.Context, flow *types.Flow) {
	remote := flow.DstAddr

	// Naming precedence: a DNS-tracked answer overrides an HTTP Host
	// header recorded at ingest; SNI and then reverse DNS only fill a
	// Domain that is still empty.
	if a.identifier != nil {
		if name, ok := a.identifier.DNSTrackedName(remote); ok {
			flow.Domain = name
		}
	}
	if flow.Domain == "" && flow.SNI != "" {
		flow.Domain = flow.SNI
	}
	if flow.Domain == "" && a.cfg.EnableReverseDNS && a.identifier != nil {
		if name, ok := a.identifier.Resolve(ctx, remote); ok {
			flow.Domain = name
		}
	}

	if a.geoLookup != nil {
		res := a.geoLookup.Resolve(remote)
		flow.Country = res.Country
		flow.City = res.City
		flow.ASN = res.ASN
	}
}

// deviceSide decides which endpoint of the flow is the locally
// observed device: whichever side this sensor actually saw a MAC
// address for. A flow with no link-layer information on either side
// (e.g. decoded from a non-Ethernet capture) has no device association.
func (a *Aggregator) deviceSide(f *activeFlow) (netip.Addr, []byte, bool) {
	switch {
	case len(f.srcMAC) > 0:
		return f.key.SrcAddr, f.srcMAC, true
	case len(f.dstMAC) > 0:
		return f.key.DstAddr, f.dstMAC, true
	default:
		return netip.Addr{}, nil, false
	}
}

// evictOldest force-finalises the single oldest-idle flow to bring the
// table back under the configured cap. Called after every Submit once
// the cap is exceeded, so the table never grows unbounded even under
// sustained pressure.
func (a *Aggregator) evictOldest(ctx context.Context) {
	oldestKey := ""
	var oldestFlow *activeFlow
	oldestAt := time.Now()

	a.flows.ForEach(func(ks string, f *activeFlow) bool {
		f.mu.Lock()
		last := f.lastSeen
		f.mu.Unlock()
		if oldestFlow == nil || last.Before(oldestAt) {
			oldestKey, oldestFlow, oldestAt = ks, f, last
		}
		return true
	})

	if oldestFlow != nil {
		decoderLog.Sugar().Debugw("active flow cap reached, force-closing oldest flow", "flow_id", oldestFlow.id)
		a.finalize(ctx, oldestKey, oldestFlow, "capacity")
	}
}

// RunIdleJanitor periodically finalises flows that have gone silent
// for longer than the configured idle timeout. Intended to be run as
// its own goroutine by the orchestrator, cancelled via ctx.
func (a *Aggregator) RunIdleJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepIdle(ctx)
		}
	}
}

func (a *Aggregator) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.IdleTimeout)

	var idle []string
	idleFlows := make(map[string]*activeFlow)
	a.flows.ForEach(func(ks string, f *activeFlow) bool {
		f.mu.Lock()
		last := f.lastSeen
		f.mu.Unlock()
		if last.Before(cutoff) {
			idle = append(idle, ks)
			idleFlows[ks] = f
		}
		return true
	})

	for _, ks := range idle {
		a.finalize(ctx, ks, idleFlows[ks], "idle_timeout")
	}
}

// Stats reports the aggregator's current size, used by the
// orchestrator's health snapshot.
type Stats struct {
	ActiveFlows int
	Duplicates  uint64
}

func (a *Aggregator) Stats() Stats {
	return Stats{
		ActiveFlows: int(a.flows.Len()),
		Duplicates:  a.duplicates.Load(),
	}
}

// Drain finalises every remaining active flow, used during graceful
// shutdown so no in-progress flow is silently lost.
func (a *Aggregator) Drain(ctx context.Context) {
	var keys []string
	flows := make(map[string]*activeFlow)
	a.flows.ForEach(func(ks string, f *activeFlow) bool {
		keys = append(keys, ks)
		flows[ks] = f
		return true
	})
	for _, ks := range keys {
		a.finalize(ctx, ks, flows[ks], "shutdown")
	}
}

// --- per-source recent distinct destination port tracking, used by
// the threat engine's port-scan rules. ---

type portWindow struct {
	mu    sync.Mutex
	ports map[uint16]time.Time
}

const portWindowDuration = 60 * time.Second

func (a *Aggregator) trackPort(source string, port uint16, at time.Time) {
	w, ok := a.recentPorts.Get(source)
	if !ok {
		w = &portWindow{ports: make(map[uint16]time.Time)}
		a.recentPorts.Set(source, w)
	}
	w.mu.Lock()
	w.ports[port] = at
	w.mu.Unlock()
}

func (a *Aggregator) distinctPortsFor(source string, now time.Time) int {
	w, ok := a.recentPorts.Get(source)
	if !ok {
		return 0
	}
	cutoff := now.Add(-portWindowDuration)
	w.mu.Lock()
	defer w.mu.Unlock()
	count := 0
	for port, t := range w.ports {
		if t.Before(cutoff) {
			delete(w.ports, port)
			continue
		}
		count++
	}
	return count
}
