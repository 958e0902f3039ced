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

// Package types holds the sensor's persisted and transient shapes.
// Flow and Device are plain structs with a small open
// "behavioural"/"evidence" string map for operator-supplied metadata
// that isn't worth promoting to first-class fields.
package types

import (
	"net/netip"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Proto identifies the transport (or ICMP) protocol of a flow/packet.
type Proto uint8

const (
	ProtoTCP   Proto = 6
	ProtoUDP   Proto = 17
	ProtoICMP4 Proto = 1
	ProtoICMP6 Proto = 58
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP4:
		return "icmp"
	case ProtoICMP6:
		return "icmp6"
	default:
		return "unknown"
	}
}

// TCPFlags is a union of TCP control bits observed over a flow's
// lifetime; bit layout matches gopacket/layers.TCP's own flag order.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// Packet is the transient, never-persisted representation of one
// captured frame.
type Packet struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16 // zero when not TCP/UDP
	DstPort uint16
	Proto   Proto

	CapturedBytes int
	ReportedBytes int
	Timestamp     time.Time

	SrcMAC, DstMAC []byte // optional link-layer hardware addresses

	TCPFlags        TCPFlags // valid only for TCP
	HasTCP          bool
	SeqNum, AckNum  uint32
	Window          uint16

	TTL    uint8
	HasTTL bool

	Payload []byte // carried payload, may be nil
}

// FlowKey is the canonical, direction-agnostic 5-tuple. Ordering is
// normalised by the aggregator so the reversed tuple of the same
// socket pair produces the same key.
type FlowKey struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Proto   Proto
}

// ConnectionState is the TCP state machine tracked per flow. Non-TCP
// flows stay in StateEstablished until idle-close.
type ConnectionState uint8

const (
	StateInit ConnectionState = iota
	StateSynSent
	StateEstablished
	StateFinWait
	StateClosed
	StateReset
)

func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosed:
		return "CLOSED"
	case StateReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// FlowStatus tracks whether a finalised flow may still be updated.
// CLOSED is terminal: a closed flow is never reopened, even if more
// packets matching its key arrive later (see DESIGN.md).
type FlowStatus uint8

const (
	FlowActive FlowStatus = iota
	FlowClosed
)

func (s FlowStatus) String() string {
	if s == FlowClosed {
		return "CLOSED"
	}
	return "ACTIVE"
}

// ThreatLevel is the coarse classification attached to a finalised flow
// and mirrored onto the owning Device.
type ThreatLevel uint8

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "none"
	}
}

// Flow is the finalised, persisted aggregate of a bidirectional socket
// pair.
type Flow struct {
	ID string // ULID: time-ordered, lexicographically sortable

	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Proto   Proto

	BytesIn, BytesOut     uint64
	PacketsIn, PacketsOut uint64

	FirstSeen, LastSeen time.Time
	DurationMS          int64

	// Status is the coarse ACTIVE/CLOSED lifecycle flag; CLOSED is
	// terminal. ConnState is the detailed TCP state machine value the
	// flow reached (ESTABLISHED, RESET, ...), tracked separately because
	// a RESET flow is still a CLOSED flow for persistence purposes.
	Status    FlowStatus
	ConnState ConnectionState
	Flags     TCPFlags

	Domain         string
	SNI            string
	Application    string
	HTTPMethod     string
	URL            string
	UserAgent      string
	DNSQueryType   string
	DNSResponseCode string

	Country string
	City    string
	ASN     uint32

	TTL uint8

	RTTMillis             float64
	JitterMillis          float64
	Retransmissions       uint32

	DeviceID    string
	ThreatLevel ThreatLevel
}

// Device is the upserted, persisted representation of a network
// endpoint.
type Device struct {
	ID   string
	Name string
	Type string

	Vendor string
	IP     netip.Addr
	MAC    []byte

	FirstSeen, LastSeen time.Time

	TotalBytes       uint64
	ConnectionCount  uint64
	ThreatScore      int

	Notes string

	Applications mapset.Set[string]

	OS               string
	IPv6Support      bool
	AvgRTTMillis     float64
	ConnectionQuality ConnectionQuality

	Behavioural map[string]string
}

// ConnectionQuality is derived from avg RTT and retransmission ratio.
type ConnectionQuality uint8

const (
	QualityGood ConnectionQuality = iota
	QualityFair
	QualityPoor
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	default:
		return "poor"
	}
}

// ThreatKind enumerates the rule families the threat engine emits.
type ThreatKind string

const (
	ThreatKindScan          ThreatKind = "scan"
	ThreatKindExfiltration  ThreatKind = "exfiltration"
	ThreatKindDDoS          ThreatKind = "ddos"
	ThreatKindPhishing      ThreatKind = "phishing"
	ThreatKindAnomaly       ThreatKind = "anomaly"
)

// Threat is an appended, mutable-only-via-dismissal record.
type Threat struct {
	ID       string
	Kind     ThreatKind
	Severity ThreatLevel
	Score    int

	DeviceID string
	FlowID   string

	Description string

	FirstSeen, LastSeen time.Time
	Active              bool

	Evidence map[string]string
}

// SchemaVersion is the single persisted row tracking migration state.
type SchemaVersion struct {
	Version   int
	AppliedAt time.Time
}
