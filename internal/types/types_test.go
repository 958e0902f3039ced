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

package types

import "testing"

func TestProtoString(t *testing.T) {
	cases := []struct {
		proto Proto
		want  string
	}{
		{ProtoTCP, "tcp"},
		{ProtoUDP, "udp"},
		{ProtoICMP4, "icmp"},
		{ProtoICMP6, "icmp6"},
		{Proto(255), "unknown"},
	}
	for _, c := range cases {
		if got := c.proto.String(); got != c.want {
			t.Errorf("Proto(%d).String() = %q, want %q", c.proto, got, c.want)
		}
	}
}

func TestTCPFlagsHas(t *testing.T) {
	f := TCPFlagSYN | TCPFlagACK
	if !f.Has(TCPFlagSYN) {
		t.Error("expected SYN bit set")
	}
	if !f.Has(TCPFlagACK) {
		t.Error("expected ACK bit set")
	}
	if f.Has(TCPFlagFIN) {
		t.Error("did not expect FIN bit set")
	}
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateInit:        "INIT",
		StateSynSent:     "SYN_SENT",
		StateEstablished: "ESTABLISHED",
		StateFinWait:     "FIN_WAIT",
		StateClosed:      "CLOSED",
		StateReset:       "RESET",
		ConnectionState(99): "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestFlowStatusString(t *testing.T) {
	if FlowActive.String() != "ACTIVE" {
		t.Errorf("FlowActive.String() = %q, want ACTIVE", FlowActive.String())
	}
	if FlowClosed.String() != "CLOSED" {
		t.Errorf("FlowClosed.String() = %q, want CLOSED", FlowClosed.String())
	}
}

func TestThreatLevelString(t *testing.T) {
	cases := map[ThreatLevel]string{
		ThreatNone:     "none",
		ThreatLow:      "low",
		ThreatMedium:   "medium",
		ThreatHigh:     "high",
		ThreatCritical: "critical",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("ThreatLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestConnectionQualityString(t *testing.T) {
	cases := map[ConnectionQuality]string{
		QualityGood: "good",
		QualityFair: "fair",
		QualityPoor: "poor",
	}
	for q, want := range cases {
		if got := q.String(); got != want {
			t.Errorf("ConnectionQuality(%d).String() = %q, want %q", q, got, want)
		}
	}
}
