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
	"strconv"

	"github.com/netinsight-io/sensor/internal/types"
)

// direction tells a packet's relationship to the canonical key stored
// for its flow.
type direction uint8

const (
	dirForward direction = iota
	dirReverse
)

// canonicalize picks a stable ordering for a socket pair so the
// reversed tuple of the same connection always maps to the same key.
// The lower (addr, port) pair by byte comparison becomes the "src"
// side of the canonical key.
func canonicalize(p types.Packet) (types.FlowKey, direction) {
	a := types.FlowKey{SrcAddr: p.SrcAddr, SrcPort: p.SrcPort, DstAddr: p.DstAddr, DstPort: p.DstPort, Proto: p.Proto}

	if less(p.SrcAddr, p.SrcPort, p.DstAddr, p.DstPort) {
		return a, dirForward
	}
	return types.FlowKey{
		SrcAddr: p.DstAddr, SrcPort: p.DstPort,
		DstAddr: p.SrcAddr, DstPort: p.SrcPort,
		Proto: p.Proto,
	}, dirReverse
}

func less(aAddr netip.Addr, aPort uint16, bAddr netip.Addr, bPort uint16) bool {
	if c := aAddr.Compare(bAddr); c != 0 {
		return c < 0
	}
	return aPort < bPort
}

// keyString renders a FlowKey as a map key. haxmap's generic Map
// requires a primitive-kind key type, so the struct key is flattened
// to its string form once here rather than at every call site.
func keyString(k types.FlowKey) string {
	return k.SrcAddr.String() + "|" + strconv.Itoa(int(k.SrcPort)) + "|" +
		k.DstAddr.String() + "|" + strconv.Itoa(int(k.DstPort)) + "|" +
		strconv.Itoa(int(k.Proto))
}
