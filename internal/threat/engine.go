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

// Package threat scores a finalised flow against a fixed rule set and
// emits a Threat record when the accumulated score crosses a severity
// threshold. Rules are stateless except for small per-source counters
// windowed to the last five minutes (recent RSTs, recent DNS
// failures), so the engine never has to consult persisted history to
// score a flow.
package threat

import (
	"strconv"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"github.com/netinsight-io/sensor/internal/types"
)

// Evidence describes what a rule matched, freeform so each rule can
// surface whatever is most useful to an operator.
type Evidence = map[string]string

// FlowContext is everything a rule needs to evaluate a finalised flow.
type FlowContext struct {
	Flow types.Flow

	HighRiskCountries map[string]bool
	SuspiciousTLDs    map[string]bool

	// DistinctDstPorts is the number of distinct destination ports the
	// source address has contacted recently; the aggregator maintains
	// this as a short-window count, not this package.
	DistinctDstPorts int
}

// rule evaluates FlowContext against this engine's per-source windowed
// state, returning whether it fired and, if so, the points/kind/evidence
// to attach.
type rule func(ctx FlowContext, w *sourceWindow) (points int, kind types.ThreatKind, evidence Evidence, matched bool)

const windowDuration = 5 * time.Minute

// sourceWindow tracks recent event counts for one source address,
// pruned lazily whenever it's read.
type sourceWindow struct {
	rsts         []time.Time
	dnsFailures  []time.Time
}

func (w *sourceWindow) recordRST(at time.Time)        { w.rsts = prune(append(w.rsts, at), at) }
func (w *sourceWindow) recordDNSFailure(at time.Time)  { w.dnsFailures = prune(append(w.dnsFailures, at), at) }
func (w *sourceWindow) rstCount(at time.Time) int      { w.rsts = prune(w.rsts, at); return len(w.rsts) }
func (w *sourceWindow) dnsFailureCount(at time.Time) int {
	w.dnsFailures = prune(w.dnsFailures, at)
	return len(w.dnsFailures)
}

func prune(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-windowDuration)
	out := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Severity thresholds: a flow's accumulated score maps to a ThreatLevel.
const (
	thresholdCritical = 70
	thresholdHigh     = 50
	thresholdMedium   = 30
	thresholdLow      = 15
)

func severityFor(score int) types.ThreatLevel {
	switch {
	case score >= thresholdCritical:
		return types.ThreatCritical
	case score >= thresholdHigh:
		return types.ThreatHigh
	case score >= thresholdMedium:
		return types.ThreatMedium
	case score >= thresholdLow:
		return types.ThreatLow
	default:
		return types.ThreatNone
	}
}

// Engine owns the per-source short-window state and the fixed rule set.
type Engine struct {
	windows *haxmap.Map[string, *sourceWindow]
	rules   []rule
}

// New constructs an Engine with the full built-in rule set.
func New() *Engine {
	return &Engine{
		windows: haxmap.New[string, *sourceWindow](),
		rules: []rule{
			ruleFastPortScan,
			ruleManyDistinctPorts,
			ruleLargeOutboundTransfer,
			ruleHighRiskCountry,
			ruleSuspiciousTLD,
			ruleRepeatedRST,
			ruleDNSFailureBurst,
			ruleLongIdleBeaconing,
			ruleRetransmissionRatio,
			rulePoorQualityJitterRTT,
			ruleResetWithoutSyn,
			ruleHalfOpenNoAck,
			ruleUnknownAppOnWellKnownPort,
		},
	}
}

func (e *Engine) windowFor(source string) *sourceWindow {
	if w, ok := e.windows.Get(source); ok {
		return w
	}
	w := &sourceWindow{}
	e.windows.Set(source, w)
	return w
}

// ObserveRST records an RST packet for a source address, independent of
// whether that flow ever gets scored — the short-window per-source RST
// counter tracks raw RST frequency, not flow outcomes.
func (e *Engine) ObserveRST(source string, at time.Time) {
	e.windowFor(source).recordRST(at)
}

// ObserveDNSFailure records a failed DNS response for a source address.
func (e *Engine) ObserveDNSFailure(source string, at time.Time) {
	e.windowFor(source).recordDNSFailure(at)
}

// Score evaluates every rule against ctx and returns a Threat if the
// accumulated score reaches the lowest severity threshold, or false
// otherwise. A rule that panics is recovered and skipped — scoring
// never takes down the pipeline.
func (e *Engine) Score(ctx FlowContext) (types.Threat, bool) {
	source := ctx.Flow.SrcAddr.String()
	w := e.windowFor(source)

	total := 0
	var kinds []types.ThreatKind
	evidence := make(Evidence)

	for _, r := range e.rules {
		points, kind, ev, matched := e.runRule(r, ctx, w)
		if !matched {
			continue
		}
		total += points
		kinds = append(kinds, kind)
		for k, v := range ev {
			evidence[k] = v
		}
	}

	severity := severityFor(total)
	if severity == types.ThreatNone {
		return types.Threat{}, false
	}

	kind := types.ThreatKindAnomaly
	if len(kinds) > 0 {
		kind = kinds[0]
	}

	now := ctx.Flow.LastSeen
	if now.IsZero() {
		now = time.Now()
	}
	return types.Threat{
		ID:          uuid.NewString(),
		Kind:        kind,
		Severity:    severity,
		Score:       total,
		DeviceID:    ctx.Flow.DeviceID,
		FlowID:      ctx.Flow.ID,
		Description: describe(kind, total),
		FirstSeen:   now,
		LastSeen:    now,
		Active:      true,
		Evidence:    evidence,
	}, true
}

func (e *Engine) runRule(r rule, ctx FlowContext, w *sourceWindow) (points int, kind types.ThreatKind, evidence Evidence, matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
		}
	}()
	return r(ctx, w)
}

func describe(kind types.ThreatKind, score int) string {
	switch kind {
	case types.ThreatKindScan:
		return "port scan pattern detected"
	case types.ThreatKindExfiltration:
		return "possible data exfiltration"
	case types.ThreatKindDDoS:
		return "denial-of-service pattern detected"
	case types.ThreatKindPhishing:
		return "connection to suspicious domain"
	default:
		return "anomalous traffic pattern"
	}
}

// --- rules ---

func ruleFastPortScan(ctx FlowContext, w *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.DistinctDstPorts < 15 {
		return 0, "", nil, false
	}
	return 40, types.ThreatKindScan, Evidence{"distinct_ports": itoa(ctx.DistinctDstPorts)}, true
}

func ruleManyDistinctPorts(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.DistinctDstPorts < 50 {
		return 0, "", nil, false
	}
	return 25, types.ThreatKindScan, Evidence{"distinct_ports": itoa(ctx.DistinctDstPorts)}, true
}

func ruleLargeOutboundTransfer(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	const threshold = 500 * 1024 * 1024 // 500MB in one flow
	if ctx.Flow.BytesOut < threshold {
		return 0, "", nil, false
	}
	return 35, types.ThreatKindExfiltration, Evidence{"bytes_out": itoa64(ctx.Flow.BytesOut)}, true
}

func ruleHighRiskCountry(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.Flow.Country == "" || !ctx.HighRiskCountries[ctx.Flow.Country] {
		return 0, "", nil, false
	}
	return 20, types.ThreatKindAnomaly, Evidence{"country": ctx.Flow.Country}, true
}

func ruleSuspiciousTLD(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	tld := tldOf(ctx.Flow.Domain)
	if tld == "" || !ctx.SuspiciousTLDs[tld] {
		return 0, "", nil, false
	}
	return 30, types.ThreatKindPhishing, Evidence{"domain": ctx.Flow.Domain, "tld": tld}, true
}

func ruleRepeatedRST(ctx FlowContext, w *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	n := w.rstCount(ctx.Flow.LastSeen)
	if n < 10 {
		return 0, "", nil, false
	}
	return 30, types.ThreatKindDDoS, Evidence{"recent_rsts": itoa(n)}, true
}

func ruleDNSFailureBurst(ctx FlowContext, w *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	n := w.dnsFailureCount(ctx.Flow.LastSeen)
	if n < 20 {
		return 0, "", nil, false
	}
	return 25, types.ThreatKindAnomaly, Evidence{"recent_dns_failures": itoa(n)}, true
}

func ruleLongIdleBeaconing(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.Flow.BytesOut == 0 || ctx.Flow.BytesIn > 4096 {
		return 0, "", nil, false
	}
	if ctx.Flow.DurationMS < 1000 {
		return 0, "", nil, false
	}
	return 15, types.ThreatKindExfiltration, Evidence{"bytes_in": itoa64(ctx.Flow.BytesIn)}, true
}

// ruleRetransmissionRatio fires on a flow whose retransmitted segments
// exceed 10% of its total packet count.
func ruleRetransmissionRatio(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	total := ctx.Flow.PacketsIn + ctx.Flow.PacketsOut
	if total == 0 || ctx.Flow.Retransmissions == 0 {
		return 0, "", nil, false
	}
	ratio := float64(ctx.Flow.Retransmissions) / float64(total)
	if ratio <= 0.10 {
		return 0, "", nil, false
	}
	return 25, types.ThreatKindDDoS, Evidence{"retransmission_ratio": strconv.FormatFloat(ratio, 'f', 2, 64)}, true
}

// rulePoorQualityJitterRTT fires on a poor-connection-quality flow:
// jitter above 50ms combined with an RTT high enough to land in the
// "poor" tier internal/device uses for ConnectionQuality.
func rulePoorQualityJitterRTT(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.Flow.JitterMillis <= 50 || ctx.Flow.RTTMillis < 300 {
		return 0, "", nil, false
	}
	return 20, types.ThreatKindDDoS, Evidence{
		"jitter_ms": strconv.FormatFloat(ctx.Flow.JitterMillis, 'f', 1, 64),
		"rtt_ms":    strconv.FormatFloat(ctx.Flow.RTTMillis, 'f', 1, 64),
	}, true
}

// ruleResetWithoutSyn fires when a flow was torn down by an RST but
// never carried a SYN in either direction — an unsolicited reset is a
// common probe/scan signature rather than a torn-down handshake.
func ruleResetWithoutSyn(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.Flow.ConnState != types.StateReset || ctx.Flow.Flags.Has(types.TCPFlagSYN) {
		return 0, "", nil, false
	}
	return 20, types.ThreatKindScan, Evidence{"conn_state": "RESET", "saw_syn": "false"}, true
}

// ruleHalfOpenNoAck fires on a flow that never left SYN_SENT: a SYN
// was sent and no response of any kind ever completed the handshake.
func ruleHalfOpenNoAck(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	if ctx.Flow.ConnState != types.StateSynSent {
		return 0, "", nil, false
	}
	return 15, types.ThreatKindScan, Evidence{"conn_state": "SYN_SENT"}, true
}

// wellKnownAnomalyPorts maps a handful of well-known server ports to
// the application ClassifyDPI/FingerprintBanner should have recognised
// there; a different or absent application hints at a covert channel
// riding a commonly-allowed port.
var wellKnownAnomalyPorts = map[uint16]string{
	22:   "SSH",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	443:  "HTTPS",
	3389: "RDP",
}

func ruleUnknownAppOnWellKnownPort(ctx FlowContext, _ *sourceWindow) (int, types.ThreatKind, Evidence, bool) {
	expected, ok := wellKnownAnomalyPorts[ctx.Flow.DstPort]
	if !ok || ctx.Flow.Application == "" || ctx.Flow.Application == expected {
		return 0, "", nil, false
	}
	return 15, types.ThreatKindAnomaly, Evidence{
		"port": itoa(int(ctx.Flow.DstPort)), "application": ctx.Flow.Application, "expected": expected,
	}, true
}

func tldOf(domain string) string {
	if domain == "" {
		return ""
	}
	for i := len(domain) - 1; i >= 0; i-- {
		if domain[i] == '.' {
			return domain[i+1:]
		}
	}
	return ""
}

func itoa(n int) string   { return itoa64(uint64(n)) }
func itoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
