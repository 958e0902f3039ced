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

package device

import (
	"net/netip"
	"testing"
	"time"

	"github.com/netinsight-io/sensor/internal/types"
)

func TestObserveCreatesAndUpdatesDevice(t *testing.T) {
	var updates []*types.Device
	r := New(NewNullOUIResolver(), func(d *types.Device) { updates = append(updates, d) })

	ip := netip.MustParseAddr("192.168.1.10")
	mac := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	now := time.Now()

	d1 := r.Observe(FlowObservation{DeviceIP: ip, DeviceMAC: mac, Bytes: 1000, Application: "HTTPS", At: now})
	if d1.TotalBytes != 1000 {
		t.Errorf("TotalBytes = %d, want 1000", d1.TotalBytes)
	}
	if d1.ConnectionCount != 1 {
		t.Errorf("ConnectionCount = %d, want 1", d1.ConnectionCount)
	}
	if !d1.Applications.Contains("HTTPS") {
		t.Error("expected Applications to contain HTTPS")
	}

	d2 := r.Observe(FlowObservation{DeviceIP: ip, DeviceMAC: mac, Bytes: 500, Application: "DNS", At: now.Add(time.Second)})
	if d2.TotalBytes != 1500 {
		t.Errorf("TotalBytes = %d, want 1500 after second observation", d2.TotalBytes)
	}
	if d2.ConnectionCount != 2 {
		t.Errorf("ConnectionCount = %d, want 2", d2.ConnectionCount)
	}
	if !d2.Applications.Contains("HTTPS") || !d2.Applications.Contains("DNS") {
		t.Error("expected Applications to accumulate across observations")
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (same (ip, mac) pair)", r.Len())
	}
	if len(updates) != 2 {
		t.Errorf("expected 2 onUpdate callbacks, got %d", len(updates))
	}
}

func TestDeriveIDIsStableAndDistinguishesPairs(t *testing.T) {
	ip1 := netip.MustParseAddr("192.168.1.10")
	ip2 := netip.MustParseAddr("192.168.1.11")
	mac := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	id1a := DeriveID(ip1, mac)
	id1b := DeriveID(ip1, mac)
	id2 := DeriveID(ip2, mac)

	if id1a != id1b {
		t.Error("DeriveID should be deterministic for the same (ip, mac) pair")
	}
	if id1a == id2 {
		t.Error("DeriveID should distinguish different IPs on the same MAC")
	}
}

func TestUpdateAppliesOperatorFieldsAndNeverOverwrittenByObserve(t *testing.T) {
	r := New(NewNullOUIResolver(), nil)
	ip := netip.MustParseAddr("10.0.0.1")
	mac := []byte{0x01}
	now := time.Now()

	r.Observe(FlowObservation{DeviceIP: ip, DeviceMAC: mac, Bytes: 10, At: now})
	id := DeriveID(ip, mac)

	name := "living-room-tv"
	updated, ok := r.Update(id, UpdatePatch{Name: &name})
	if !ok {
		t.Fatal("expected Update to find the existing device")
	}
	if updated.Name != name {
		t.Errorf("Name = %q, want %q", updated.Name, name)
	}

	after := r.Observe(FlowObservation{DeviceIP: ip, DeviceMAC: mac, Bytes: 20, At: now.Add(time.Second)})
	if after.Name != name {
		t.Errorf("Observe must not clear an operator-set Name, got %q", after.Name)
	}
}

func TestUpdateUnknownDeviceReturnsFalse(t *testing.T) {
	r := New(NewNullOUIResolver(), nil)
	if _, ok := r.Update("does-not-exist", UpdatePatch{}); ok {
		t.Error("expected Update on an unknown id to return false")
	}
}

func TestSetThreatScore(t *testing.T) {
	r := New(NewNullOUIResolver(), nil)
	ip := netip.MustParseAddr("10.0.0.1")
	mac := []byte{0x01}
	r.Observe(FlowObservation{DeviceIP: ip, DeviceMAC: mac, Bytes: 10, At: time.Now()})
	id := DeriveID(ip, mac)

	updated, ok := r.SetThreatScore(id, 75)
	if !ok {
		t.Fatal("expected SetThreatScore to find the device")
	}
	if updated.ThreatScore != 75 {
		t.Errorf("ThreatScore = %d, want 75", updated.ThreatScore)
	}
}

func TestDeriveQualityDemotesOnHighRetransmission(t *testing.T) {
	good := deriveQuality(20, 0)
	if good != types.QualityGood {
		t.Errorf("deriveQuality(20, 0) = %v, want QualityGood", good)
	}
	demoted := deriveQuality(20, 0.2)
	if demoted != types.QualityFair {
		t.Errorf("deriveQuality(20, 0.2) = %v, want QualityFair (demoted from Good)", demoted)
	}
	poorStaysPoor := deriveQuality(500, 0.5)
	if poorStaysPoor != types.QualityPoor {
		t.Errorf("deriveQuality(500, 0.5) = %v, want QualityPoor", poorStaysPoor)
	}
}

func TestRunningMean(t *testing.T) {
	mean := runningMean(0, 1, 100)
	if mean != 100 {
		t.Errorf("first sample mean = %f, want 100", mean)
	}
	mean = runningMean(100, 2, 200)
	if mean != 150 {
		t.Errorf("runningMean(100, 2, 200) = %f, want 150", mean)
	}
}

func TestAllReturnsEverySeenDevice(t *testing.T) {
	r := New(NewNullOUIResolver(), nil)
	r.Observe(FlowObservation{DeviceIP: netip.MustParseAddr("10.0.0.1"), DeviceMAC: []byte{0x01}, At: time.Now()})
	r.Observe(FlowObservation{DeviceIP: netip.MustParseAddr("10.0.0.2"), DeviceMAC: []byte{0x02}, At: time.Now()})

	all := r.All()
	if len(all) != 2 {
		t.Errorf("All() returned %d devices, want 2", len(all))
	}
}
