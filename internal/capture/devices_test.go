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
	"regexp"
	"testing"
)

// These exercise the matching/filtering logic around libpcap's device
// list rather than asserting on which real interfaces exist, since the
// test host's interface set isn't something this suite controls.

func TestFindDevicesByNameNeverMatchesAnImpossibleName(t *testing.T) {
	devices, err := FindDevicesByName("definitely-not-a-real-interface-name-\x00")
	if err != nil {
		t.Fatalf("FindDevicesByName: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected no devices to match an impossible name, got %d", len(devices))
	}
}

func TestFindDevicesByRegexNeverMatchesAnImpossiblePattern(t *testing.T) {
	exp := regexp.MustCompile(`^this-will-never-match-anything$`)
	devices, err := FindDevicesByRegex(exp)
	if err != nil {
		t.Fatalf("FindDevicesByRegex: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected no devices to match the pattern, got %d", len(devices))
	}
}

func TestFindDevicesByRegexMatchesEverythingWithWildcard(t *testing.T) {
	all, err := FindDevicesByRegex(regexp.MustCompile(`.*`))
	if err != nil {
		t.Fatalf("FindDevicesByRegex: %v", err)
	}
	byName, err := FindDevicesByName("")
	if err != nil {
		t.Fatalf("FindDevicesByName: %v", err)
	}
	// A wildcard regex should never find fewer devices than an exact,
	// near-certainly-empty name match.
	if len(all) < len(byName) {
		t.Errorf("wildcard match found %d devices, fewer than exact match's %d", len(all), len(byName))
	}
}
