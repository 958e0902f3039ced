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
	"net/netip"
	"testing"

	"github.com/netinsight-io/sensor/internal/types"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestCanonicalizeReversedTuplesMatch(t *testing.T) {
	client := mustAddr(t, "10.0.0.5")
	server := mustAddr(t, "93.184.216.34")

	forward := types.Packet{SrcAddr: client, SrcPort: 51000, DstAddr: server, DstPort: 443, Proto: types.ProtoTCP}
	reverse := types.Packet{SrcAddr: server, SrcPort: 443, DstAddr: client, DstPort: 51000, Proto: types.ProtoTCP}

	keyFwd, dirFwd := canonicalize(forward)
	keyRev, dirRev := canonicalize(reverse)

	if keyFwd != keyRev {
		t.Fatalf("canonical keys differ for reversed tuples: %+v vs %+v", keyFwd, keyRev)
	}
	if dirFwd == dirRev {
		t.Errorf("expected opposite directions, got %v and %v", dirFwd, dirRev)
	}
}

func TestCanonicalizePicksLowerAddrAsSrc(t *testing.T) {
	low := mustAddr(t, "10.0.0.1")
	high := mustAddr(t, "10.0.0.2")

	pkt := types.Packet{SrcAddr: high, SrcPort: 1, DstAddr: low, DstPort: 2, Proto: types.ProtoUDP}
	key, dir := canonicalize(pkt)

	if key.SrcAddr != low {
		t.Errorf("canonical SrcAddr = %v, want %v", key.SrcAddr, low)
	}
	if dir != dirReverse {
		t.Errorf("expected dirReverse when the packet's src is the higher address, got %v", dir)
	}
}

func TestLessOrdersByPortWhenAddrsEqual(t *testing.T) {
	a := mustAddr(t, "10.0.0.1")
	if !less(a, 100, a, 200) {
		t.Error("expected port 100 to sort before port 200 for equal addresses")
	}
	if less(a, 200, a, 100) {
		t.Error("expected port 200 to not sort before port 100")
	}
}

func TestKeyStringIsStableAndDistinct(t *testing.T) {
	k1 := types.FlowKey{SrcAddr: mustAddr(t, "10.0.0.1"), SrcPort: 1000, DstAddr: mustAddr(t, "10.0.0.2"), DstPort: 80, Proto: types.ProtoTCP}
	k2 := k1
	k3 := types.FlowKey{SrcAddr: mustAddr(t, "10.0.0.1"), SrcPort: 1001, DstAddr: mustAddr(t, "10.0.0.2"), DstPort: 80, Proto: types.ProtoTCP}

	if keyString(k1) != keyString(k2) {
		t.Error("identical keys should render identically")
	}
	if keyString(k1) == keyString(k3) {
		t.Error("keys differing by source port should render differently")
	}
}
