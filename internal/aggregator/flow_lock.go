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
	"net"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/netinsight-io/sensor/internal/types"
)

const (
	rttWindow    = 10
	jitterWindow = 20
)

// activeFlow is the mutable, per-connection state the aggregator
// updates as packets arrive. Every field access goes through the
// flow's own mutex rather than the map's — the active-flow table only
// ever needs a lock to get-or-create an entry, never to update one,
// which is what lets many goroutines update distinct flows
// concurrently without contending on a single global lock.
type activeFlow struct {
	mu sync.Mutex

	id  string
	key types.FlowKey

	firstSeen, lastSeen time.Time

	bytesFwd, bytesRev     uint64
	packetsFwd, packetsRev uint64

	srcMAC, dstMAC net.HardwareAddr

	state types.ConnectionState
	flags types.TCPFlags

	// seqFwd/seqRev record every TCP sequence number observed in each
	// direction; a second insert of the same value is a retransmission.
	seqFwd, seqRev *skipmap.Uint32Map
	retransmissions uint32
	totalTCPPackets uint32

	// synAt marks when the handshake SYN was seen, used to sample one
	// RTT per flow at the first ACK-bearing response.
	synAt     time.Time
	sawSynAt  bool
	rttTaken  bool
	rttSamples [rttWindow]float64
	rttCount   int

	// lastArrival/lastIAT track every packet's arrival regardless of
	// direction, so jitter reflects the whole flow's pacing rather than
	// the single handshake RTT sample.
	lastArrival    time.Time
	hasLastArrival bool
	lastIATMillis  float64
	hasLastIAT     bool
	jitterSamples  [jitterWindow]float64
	jitterCount    int

	ttl    uint8
	hasTTL bool

	domain, sni, application         string
	httpMethod, url, userAgent       string
	dnsQueryType, dnsResponseCode    string
}

func newActiveFlow(id string, key types.FlowKey, at time.Time) *activeFlow {
	return &activeFlow{
		id:        id,
		key:       key,
		firstSeen: at,
		lastSeen:  at,
		state:     types.StateInit,
		seqFwd:    skipmap.NewUint32(),
		seqRev:    skipmap.NewUint32(),
	}
}

// observeSequence records seq for the given direction and reports
// whether it had already been seen (a retransmission).
func (f *activeFlow) observeSequence(dir direction, seq uint32) bool {
	m := f.seqFwd
	if dir == dirReverse {
		m = f.seqRev
	}
	_, existed := m.LoadOrStore(seq, struct{}{})
	return existed
}

// recordRTT folds one RTT sample into a bounded ring buffer. It records
// unconditionally; the caller's rttTaken check limits a flow to one
// sample.
func (f *activeFlow) recordRTT(sample time.Duration) {
	ms := float64(sample.Microseconds()) / 1000.0
	f.rttSamples[f.rttCount%rttWindow] = ms
	f.rttCount++
}

// recordArrival feeds one packet's arrival timestamp, in either
// direction, into the jitter window: the mean absolute difference
// between consecutive inter-arrival times. Independent of recordRTT,
// so jitter is tracked for every packet a flow carries, not just its
// handshake.
func (f *activeFlow) recordArrival(at time.Time) {
	if f.hasLastArrival {
		iat := at.Sub(f.lastArrival)
		iatMillis := float64(iat.Microseconds()) / 1000.0
		if iatMillis < 0 {
			iatMillis = 0
		}
		if f.hasLastIAT {
			delta := iatMillis - f.lastIATMillis
			if delta < 0 {
				delta = -delta
			}
			f.jitterSamples[f.jitterCount%jitterWindow] = delta
			f.jitterCount++
		}
		f.lastIATMillis = iatMillis
		f.hasLastIAT = true
	}
	f.lastArrival = at
	f.hasLastArrival = true
}

func (f *activeFlow) avgRTT() float64 {
	if f.rttCount == 0 {
		return 0
	}
	n := f.rttCount
	if n > rttWindow {
		n = rttWindow
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += f.rttSamples[i]
	}
	return sum / float64(n)
}

func (f *activeFlow) avgJitter() float64 {
	if f.jitterCount == 0 {
		return 0
	}
	n := f.jitterCount
	if n > jitterWindow {
		n = jitterWindow
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += f.jitterSamples[i]
	}
	return sum / float64(n)
}

func (f *activeFlow) retransRatio() float64 {
	if f.totalTCPPackets == 0 {
		return 0
	}
	return float64(f.retransmissions) / float64(f.totalTCPPackets)
}

// advanceState applies one packet's TCP flags to the connection state
// machine. RST moves to StateReset from any state; otherwise the
// machine only moves forward (INIT -> SYN_SENT -> ESTABLISHED ->
// FIN_WAIT -> CLOSED).
func (f *activeFlow) advanceState(flags types.TCPFlags) {
	if flags.Has(types.TCPFlagRST) {
		f.state = types.StateReset
		return
	}
	switch f.state {
	case types.StateInit:
		if flags.Has(types.TCPFlagSYN) {
			f.state = types.StateSynSent
		}
	case types.StateSynSent:
		if flags.Has(types.TCPFlagACK) {
			f.state = types.StateEstablished
		}
	case types.StateEstablished:
		if flags.Has(types.TCPFlagFIN) {
			f.state = types.StateFinWait
		}
	case types.StateFinWait:
		if flags.Has(types.TCPFlagFIN) || flags.Has(types.TCPFlagACK) {
			f.state = types.StateClosed
		}
	}
}

func (f *activeFlow) isTerminal() bool {
	return f.state == types.StateClosed || f.state == types.StateReset
}
