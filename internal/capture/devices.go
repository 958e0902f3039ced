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

package capture

import (
	"fmt"
	"net"
	"regexp"

	"github.com/google/gopacket/pcap"
)

// Device pairs a libpcap device description with its OS-level network
// interface, when one exists for it.
type Device struct {
	Iface *net.Interface
	Pcap  pcap.Interface
}

func findAllDevices(match func(name string) bool) ([]Device, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}

	var out []Device
	for _, d := range devices {
		if !match(d.Name) {
			continue
		}
		iface, err := net.InterfaceByName(d.Name)
		if err != nil {
			continue
		}
		out = append(out, Device{Iface: iface, Pcap: d})
	}
	return out, nil
}

// FindDevicesByName returns every capturable device with exactly this
// name (normally zero or one).
func FindDevicesByName(name string) ([]Device, error) {
	return findAllDevices(func(n string) bool { return n == name })
}

// FindDevicesByRegex returns every capturable device whose name matches
// exp, for configs that identify an interface by pattern rather than a
// fixed name (e.g. a container runtime's generated veth names).
func FindDevicesByRegex(exp *regexp.Regexp) ([]Device, error) {
	return findAllDevices(exp.MatchString)
}
