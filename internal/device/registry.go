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

// Package device maintains the set of local network endpoints observed
// by the sensor: one upserted record per (IP, MAC) pair, continuously
// updated with traffic volume, application usage, and connection
// quality as flows finalise.
package device

import (
	"crypto/sha1"
	"encoding/hex"
	"net/netip"
	"time"

	"github.com/alphadose/haxmap"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/netinsight-io/sensor/internal/types"
)

// OUIResolver maps a MAC address's organizationally unique identifier
// to a vendor name. The lookup table itself lives outside this module;
// NewNullOUIResolver is provided so callers that don't have one yet
// still get a working Registry.
type OUIResolver interface {
	Vendor(mac []byte) (string, bool)
}

type nullOUIResolver struct{}

func (nullOUIResolver) Vendor([]byte) (string, bool) { return "", false }

// NewNullOUIResolver returns an OUIResolver that never resolves a
// vendor, for callers that haven't wired a real OUI table yet.
func NewNullOUIResolver() OUIResolver { return nullOUIResolver{} }

// UpdatePatch carries operator-supplied fields that, once set, must
// never be silently overwritten by inference from traffic.
type UpdatePatch struct {
	Name  *string
	Type  *string
	Notes *string
}

// FlowObservation is what the aggregator reports for a finalised flow
// touching a local device, the only input the registry needs to update
// its running statistics.
type FlowObservation struct {
	DeviceIP    netip.Addr
	DeviceMAC   []byte
	Bytes       uint64
	Application string
	RTTMillis   float64
	HasRTT      bool
	RetransRatio float64 // retransmissions / total packets, this flow only
	OS          string
	IPv6        bool
	At          time.Time
}

const retransDemoteThreshold = 0.05 // ratio above which quality is demoted one level

// Registry is the process-wide device table.
type Registry struct {
	byID *haxmap.Map[string, *types.Device]
	oui  OUIResolver

	onUpdate func(*types.Device)
}

// New constructs a Registry. oui may be NewNullOUIResolver() if no
// vendor table is available. onUpdate, if non-nil, is invoked after
// every successful upsert so internal/notify can fan the change out;
// it is called synchronously and must not block.
func New(oui OUIResolver, onUpdate func(*types.Device)) *Registry {
	if oui == nil {
		oui = NewNullOUIResolver()
	}
	return &Registry{
		byID:     haxmap.New[string, *types.Device](),
		oui:      oui,
		onUpdate: onUpdate,
	}
}

// DeriveID computes the stable identifier for a (ip, mac) pair: it
// never changes across restarts, so a device keeps its history even
// after the process recycles its in-memory table.
func DeriveID(ip netip.Addr, mac []byte) string {
	h := sha1.New()
	h.Write(ip.AsSlice())
	h.Write(mac)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Lookup returns the device for (ip, mac) without creating it.
func (r *Registry) Lookup(ip netip.Addr, mac []byte) (*types.Device, bool) {
	return r.byID.Get(DeriveID(ip, mac))
}

// Observe upserts the device identified by obs's (ip, mac), creating it
// on first sight and folding in the new flow's contribution to its
// running statistics. It returns the resulting device.
func (r *Registry) Observe(obs FlowObservation) *types.Device {
	id := DeriveID(obs.DeviceIP, obs.DeviceMAC)

	existing, ok := r.byID.Get(id)
	if !ok {
		vendor, _ := r.oui.Vendor(obs.DeviceMAC)
		existing = &types.Device{
			ID:           id,
			Vendor:       vendor,
			IP:           obs.DeviceIP,
			MAC:          append([]byte(nil), obs.DeviceMAC...),
			FirstSeen:    obs.At,
			LastSeen:     obs.At,
			Applications: mapset.NewThreadUnsafeSet[string](),
			Behavioural:  make(map[string]string),
		}
	}

	updated := *existing
	updated.LastSeen = obs.At
	updated.TotalBytes += obs.Bytes
	updated.ConnectionCount++
	if obs.OS != "" {
		updated.OS = obs.OS
	}
	if obs.IPv6 {
		updated.IPv6Support = true
	}
	if obs.Application != "" {
		apps := existing.Applications.Clone()
		apps.Add(obs.Application)
		updated.Applications = apps
	} else {
		updated.Applications = existing.Applications
	}

	if obs.HasRTT {
		updated.AvgRTTMillis = runningMean(existing.AvgRTTMillis, updated.ConnectionCount, obs.RTTMillis)
	}
	updated.ConnectionQuality = deriveQuality(updated.AvgRTTMillis, obs.RetransRatio)

	r.byID.Set(id, &updated)
	if r.onUpdate != nil {
		r.onUpdate(&updated)
	}
	return &updated
}

// runningMean folds a new sample into an incremental average, avoiding
// the need to retain every historical RTT sample per device.
func runningMean(mean float64, n uint64, sample float64) float64 {
	if n <= 1 {
		return sample
	}
	return mean + (sample-mean)/float64(n)
}

// deriveQuality classifies average RTT into good/fair/poor, then
// demotes by one level when the flow's retransmission ratio exceeds
// 5%, never promoting past what RTT alone would justify.
func deriveQuality(avgRTTMillis, retransRatio float64) types.ConnectionQuality {
	var q types.ConnectionQuality
	switch {
	case avgRTTMillis < 100:
		q = types.QualityGood
	case avgRTTMillis < 300:
		q = types.QualityFair
	default:
		q = types.QualityPoor
	}
	if retransRatio > retransDemoteThreshold && q != types.QualityPoor {
		q++
	}
	return q
}

// Update applies operator-supplied fields to an existing device. These
// fields are never touched by Observe, regardless of what traffic
// implies. Returns false if the device doesn't exist yet.
func (r *Registry) Update(id string, patch UpdatePatch) (*types.Device, bool) {
	existing, ok := r.byID.Get(id)
	if !ok {
		return nil, false
	}
	updated := *existing
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Type != nil {
		updated.Type = *patch.Type
	}
	if patch.Notes != nil {
		updated.Notes = *patch.Notes
	}
	r.byID.Set(id, &updated)
	if r.onUpdate != nil {
		r.onUpdate(&updated)
	}
	return &updated, true
}

// SetThreatScore records the aggregate threat score the threat engine
// has computed for a device; a separate setter because it's driven by
// a different component than traffic observation.
func (r *Registry) SetThreatScore(id string, score int) (*types.Device, bool) {
	existing, ok := r.byID.Get(id)
	if !ok {
		return nil, false
	}
	updated := *existing
	updated.ThreatScore = score
	r.byID.Set(id, &updated)
	if r.onUpdate != nil {
		r.onUpdate(&updated)
	}
	return &updated, true
}

// All returns a snapshot of every known device, used for the
// initial_state notification message and for Store reconciliation.
func (r *Registry) All() []*types.Device {
	out := make([]*types.Device, 0, r.byID.Len())
	r.byID.ForEach(func(_ string, d *types.Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Len reports the current device count.
func (r *Registry) Len() int { return int(r.byID.Len()) }
