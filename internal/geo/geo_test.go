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

package geo

import (
	"net/netip"
	"testing"
)

func TestIsNonRoutable(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":       true,
		"192.168.1.1":    true,
		"127.0.0.1":      true,
		"169.254.1.1":    true,
		"224.0.0.1":      true,
		"93.184.216.34":  false,
		"8.8.8.8":        false,
	}
	for addr, want := range cases {
		a := netip.MustParseAddr(addr)
		if got := isNonRoutable(a); got != want {
			t.Errorf("isNonRoutable(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestResolveWithMissingDatabaseReturnsEmptyResult(t *testing.T) {
	l := New("/nonexistent/GeoLite2-City.mmdb", "/nonexistent/GeoLite2-ASN.mmdb")
	defer l.Close()

	res := l.Resolve(netip.MustParseAddr("8.8.8.8"))
	if res != (Result{}) {
		t.Errorf("Resolve with no database loaded = %+v, want zero value", res)
	}
}

func TestResolvePrivateAddressNeverLooksUpEvenWithoutDatabase(t *testing.T) {
	l := New("/nonexistent/GeoLite2-City.mmdb", "/nonexistent/GeoLite2-ASN.mmdb")
	defer l.Close()

	res := l.Resolve(netip.MustParseAddr("10.0.0.1"))
	if res != (Result{}) {
		t.Errorf("Resolve(private addr) = %+v, want zero value", res)
	}
}

func TestResolveInvalidAddrIsEmpty(t *testing.T) {
	l := New("/nonexistent/GeoLite2-City.mmdb", "/nonexistent/GeoLite2-ASN.mmdb")
	defer l.Close()

	var zero netip.Addr
	res := l.Resolve(zero)
	if res != (Result{}) {
		t.Errorf("Resolve(invalid addr) = %+v, want zero value", res)
	}
}

func TestResolveWithoutASNPathNeverOpensASNReader(t *testing.T) {
	l := New("/nonexistent/GeoLite2-City.mmdb", "")
	defer l.Close()

	if l.asnReader != nil {
		t.Fatal("expected no ASN reader when asnPath is empty")
	}
	res := l.Resolve(netip.MustParseAddr("8.8.8.8"))
	if res.ASN != 0 {
		t.Errorf("ASN = %d, want 0 with no ASN database configured", res.ASN)
	}
}
