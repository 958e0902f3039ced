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

package identifier

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
)

func fullConfig() Config {
	return Config{
		EnableDNSTracking:  true,
		EnableReverseDNS:   true,
		EnableDPI:          true,
		EnableFingerprint:  true,
		EnableSNI:          true,
		EnableALPN:         true,
		MaxDNSCacheEntries: 100,
	}
}

func TestExtractHTTPParsesRequestLineAndHeaders(t *testing.T) {
	id := New(fullConfig(), nil)
	payload := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: curl/8.0\r\n\r\n"

	info, ok := id.ExtractHTTP([]byte(payload))
	if !ok {
		t.Fatal("expected ExtractHTTP to recognise a GET request")
	}
	if info.Method != "GET" {
		t.Errorf("Method = %q, want GET", info.Method)
	}
	if info.URL != "/index.html" {
		t.Errorf("URL = %q, want /index.html", info.URL)
	}
	if info.Host != "example.com" {
		t.Errorf("Host = %q, want example.com", info.Host)
	}
	if info.UserAgent != "curl/8.0" {
		t.Errorf("UserAgent = %q, want curl/8.0", info.UserAgent)
	}
}

func TestExtractHTTPRejectsNonHTTPPayload(t *testing.T) {
	id := New(fullConfig(), nil)
	if _, ok := id.ExtractHTTP([]byte("\x16\x03\x01\x00\xa5binary tls data")); ok {
		t.Error("expected a non-HTTP payload to be rejected")
	}
	if _, ok := id.ExtractHTTP(nil); ok {
		t.Error("expected an empty payload to be rejected")
	}
}

func TestFingerprintBannerMatchesSSH(t *testing.T) {
	id := New(fullConfig(), nil)
	app, ok := id.FingerprintBanner([]byte("SSH-2.0-OpenSSH_9.0\r\n"), 22)
	if !ok || app != "SSH" {
		t.Errorf("FingerprintBanner(SSH banner) = (%q, %v), want (SSH, true)", app, ok)
	}
}

func TestFingerprintBannerDisabled(t *testing.T) {
	cfg := fullConfig()
	cfg.EnableFingerprint = false
	id := New(cfg, nil)
	if _, ok := id.FingerprintBanner([]byte("SSH-2.0-OpenSSH\r\n"), 22); ok {
		t.Error("expected FingerprintBanner to return false when disabled")
	}
}

func TestClassifyDPIFallsBackToWellKnownPort(t *testing.T) {
	id := New(fullConfig(), nil)
	app, ok := id.ClassifyDPI([]byte{0x01, 0x02, 0x03}, 3306)
	if !ok || app != "MySQL" {
		t.Errorf("ClassifyDPI(unknown payload, port 3306) = (%q, %v), want (MySQL, true)", app, ok)
	}
}

func TestClassifyDPIPrefersBannerOverPort(t *testing.T) {
	id := New(fullConfig(), nil)
	app, ok := id.ClassifyDPI([]byte("220 ready\r\n"), 3306)
	if !ok || app != "FTP" {
		t.Errorf("ClassifyDPI(FTP banner on port 3306) = (%q, %v), want (FTP, true)", app, ok)
	}
}

func TestObserveDNSAndDNSTrackedName(t *testing.T) {
	id := New(fullConfig(), nil)
	addr := netip.MustParseAddr("93.184.216.34")

	msg := &layers.DNS{
		QR: true,
		Questions: []layers.DNSQuestion{{Name: []byte("example.com")}},
		Answers: []layers.DNSResourceRecord{
			{Type: layers.DNSTypeA, IP: addr.AsSlice()},
		},
	}
	id.ObserveDNS(msg)

	name, ok := id.DNSTrackedName(addr)
	if !ok || name != "example.com" {
		t.Errorf("DNSTrackedName = (%q, %v), want (example.com, true)", name, ok)
	}
}

func TestObserveDNSIgnoresQueries(t *testing.T) {
	id := New(fullConfig(), nil)
	addr := netip.MustParseAddr("93.184.216.34")
	msg := &layers.DNS{
		QR:        false,
		Questions: []layers.DNSQuestion{{Name: []byte("example.com")}},
	}
	id.ObserveDNS(msg)
	if _, ok := id.DNSTrackedName(addr); ok {
		t.Error("expected a DNS query (not a response) to record nothing")
	}
}

func TestExtractSNIRejectsGarbage(t *testing.T) {
	id := New(fullConfig(), nil)
	if _, ok := id.ExtractSNI([]byte("not a tls client hello")); ok {
		t.Error("expected garbage bytes to fail ClientHello parsing")
	}
	if _, ok := id.ExtractSNI(nil); ok {
		t.Error("expected an empty ClientHello to be rejected")
	}
}

func TestReverseDNSAddr(t *testing.T) {
	addr := netip.MustParseAddr("8.8.8.8")
	arpa, err := reverseDNSAddr(addr)
	if err != nil {
		t.Fatalf("reverseDNSAddr: %v", err)
	}
	want := "8.8.8.8.in-addr.arpa."
	if arpa != want {
		t.Errorf("reverseDNSAddr(8.8.8.8) = %q, want %q", arpa, want)
	}
}
