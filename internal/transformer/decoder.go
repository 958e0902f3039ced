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

// Package transformer turns a captured gopacket.Packet into the
// DecodedPacket this pipeline works with from there on: fixed
// addresses/ports/flags plus whatever L7 hints (DNS answers, a TLS
// ClientHello, an application payload) were present.
//
// Each gopacket layer is decoded on its own goroutine, independently of
// every other layer present in the packet, and the results are merged
// onto one DecodedPacket by a single collector goroutine.
package transformer

import (
	"context"
	"fmt"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/netinsight-io/sensor/internal/errs"
	"github.com/netinsight-io/sensor/internal/obs"
	"github.com/netinsight-io/sensor/internal/types"
)

var decoderLogger = obs.Named("transformer")

// DecodedPacket is the pipeline-facing result of decoding one captured
// frame: the fixed fields every flow/aggregator operation needs, plus
// optional L7 hints consumed by internal/identifier at finalisation.
type DecodedPacket struct {
	Packet types.Packet

	DNS            *layers.DNS // non-nil when this packet carries a DNS message
	TLSClientHello []byte      // raw TLS handshake record when a ClientHello was seen
	ALPNHint       []byte      // raw TLS record carrying ALPN (same bytes as ClientHello today)
	AppPayload     []byte      // L7 payload, for HTTP/banner/DPI matching
	HasTransport   bool        // true once TCP or UDP was decoded
}

// fieldSetter mutates one field of a DecodedPacket; each layer
// goroutine below produces at most one of these (or none, on a layer
// this pipeline doesn't need).
type fieldSetter func(*DecodedPacket)

type layerDecodeFn func(ctx context.Context, layer gopacket.Layer) fieldSetter

var layerDecoders = map[gopacket.LayerType]layerDecodeFn{
	layers.LayerTypeEthernet: decodeEthernet,
	layers.LayerTypeIPv4:     decodeIPv4,
	layers.LayerTypeIPv6:     decodeIPv6,
	layers.LayerTypeTCP:      decodeTCP,
	layers.LayerTypeUDP:      decodeUDP,
	layers.LayerTypeDNS:      decodeDNS,
	layers.LayerTypeTLS:      decodeTLS,
}

// Decode fans the packet's layers out to one goroutine each and merges
// their field-setters onto a single DecodedPacket. A panic in any one
// layer decoder is recovered and logged — the rest of the packet's
// layers still decode, so a single malformed layer only drops that
// layer's fields rather than the whole packet.
func Decode(ctx context.Context, serial uint64, pkt gopacket.Packet) (*DecodedPacket, error) {
	if pkt == nil {
		return nil, fmt.Errorf("transformer: nil packet (serial %d)", serial)
	}

	md := pkt.Metadata()
	dp := &DecodedPacket{
		Packet: types.Packet{
			Timestamp:     md.Timestamp,
			CapturedBytes: md.CaptureLength,
			ReportedBytes: md.Length,
		},
	}
	if dp.Packet.Timestamp.IsZero() {
		dp.Packet.Timestamp = time.Now()
	}

	pktLayers := pkt.Layers()
	setters := make(chan fieldSetter, len(pktLayers))
	var wg sync.WaitGroup
	wg.Add(len(pktLayers))

	for _, l := range pktLayers {
		go func(l gopacket.Layer) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					decoderLogger.Sugar().Warnf("panic decoding %s (serial %d): %v\n%s",
						l.LayerType(), serial, r, debug.Stack())
				}
			}()
			decodeFn, ok := layerDecoders[l.LayerType()]
			if !ok {
				return
			}
			if set := decodeFn(ctx, l); set != nil {
				setters <- set
			}
		}(l)
	}

	go func() { wg.Wait(); close(setters) }()

	for set := range setters {
		set(dp)
	}

	if dp.Packet.SrcAddr == (netip.Addr{}) && dp.Packet.DstAddr == (netip.Addr{}) {
		return nil, fmt.Errorf("transformer: no IP layer (serial %d): %w", serial, errs.ErrInvalidArgument)
	}

	return dp, nil
}

func decodeEthernet(_ context.Context, layer gopacket.Layer) fieldSetter {
	eth, ok := layer.(*layers.Ethernet)
	if !ok {
		return nil
	}
	src, dst := append([]byte(nil), eth.SrcMAC...), append([]byte(nil), eth.DstMAC...)
	return func(dp *DecodedPacket) {
		dp.Packet.SrcMAC = src
		dp.Packet.DstMAC = dst
	}
}

func decodeIPv4(_ context.Context, layer gopacket.Layer) fieldSetter {
	ip4, ok := layer.(*layers.IPv4)
	if !ok {
		return nil
	}
	src, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())
	ttl := ip4.TTL
	return func(dp *DecodedPacket) {
		dp.Packet.SrcAddr = src
		dp.Packet.DstAddr = dst
		dp.Packet.TTL = ttl
		dp.Packet.HasTTL = true
	}
}

func decodeIPv6(_ context.Context, layer gopacket.Layer) fieldSetter {
	ip6, ok := layer.(*layers.IPv6)
	if !ok {
		return nil
	}
	src, _ := netip.AddrFromSlice(ip6.SrcIP.To16())
	dst, _ := netip.AddrFromSlice(ip6.DstIP.To16())
	hop := ip6.HopLimit
	return func(dp *DecodedPacket) {
		dp.Packet.SrcAddr = src
		dp.Packet.DstAddr = dst
		dp.Packet.TTL = hop
		dp.Packet.HasTTL = true
	}
}

func decodeTCP(_ context.Context, layer gopacket.Layer) fieldSetter {
	tcp, ok := layer.(*layers.TCP)
	if !ok {
		return nil
	}
	flags := parseTCPFlags(tcp)
	srcPort, dstPort := uint16(tcp.SrcPort), uint16(tcp.DstPort)
	seq, ack, win := tcp.Seq, tcp.Ack, tcp.Window
	payload := append([]byte(nil), tcp.Payload...)
	return func(dp *DecodedPacket) {
		dp.Packet.Proto = types.ProtoTCP
		dp.Packet.SrcPort = srcPort
		dp.Packet.DstPort = dstPort
		dp.Packet.HasTCP = true
		dp.Packet.TCPFlags = flags
		dp.Packet.SeqNum = seq
		dp.Packet.AckNum = ack
		dp.Packet.Window = win
		dp.HasTransport = true
		if len(payload) > 0 {
			dp.AppPayload = payload
		}
	}
}

func decodeUDP(_ context.Context, layer gopacket.Layer) fieldSetter {
	udp, ok := layer.(*layers.UDP)
	if !ok {
		return nil
	}
	srcPort, dstPort := uint16(udp.SrcPort), uint16(udp.DstPort)
	payload := append([]byte(nil), udp.Payload...)
	return func(dp *DecodedPacket) {
		dp.Packet.Proto = types.ProtoUDP
		dp.Packet.SrcPort = srcPort
		dp.Packet.DstPort = dstPort
		dp.HasTransport = true
		if len(payload) > 0 {
			dp.AppPayload = payload
		}
	}
}

func decodeDNS(_ context.Context, layer gopacket.Layer) fieldSetter {
	dns, ok := layer.(*layers.DNS)
	if !ok {
		return nil
	}
	return func(dp *DecodedPacket) { dp.DNS = dns }
}

// decodeTLS recognises a ClientHello by the handshake record type
// (0x16) plus handshake message type (0x01), without parsing the rest
// of the record — internal/identifier owns full ClientHello parsing via
// dreadl0ck/tlsx.
func decodeTLS(_ context.Context, layer gopacket.Layer) fieldSetter {
	tls, ok := layer.(*layers.TLS)
	if !ok {
		return nil
	}
	if len(tls.Handshake) == 0 {
		return nil
	}
	raw := append([]byte(nil), tls.Contents...)
	if len(raw) < 6 || raw[0] != 0x16 || raw[5] != 0x01 {
		return nil
	}
	return func(dp *DecodedPacket) {
		dp.TLSClientHello = raw
		dp.ALPNHint = raw
	}
}

func parseTCPFlags(tcp *layers.TCP) types.TCPFlags {
	var f types.TCPFlags
	if tcp.FIN {
		f |= types.TCPFlagFIN
	}
	if tcp.SYN {
		f |= types.TCPFlagSYN
	}
	if tcp.RST {
		f |= types.TCPFlagRST
	}
	if tcp.PSH {
		f |= types.TCPFlagPSH
	}
	if tcp.ACK {
		f |= types.TCPFlagACK
	}
	if tcp.URG {
		f |= types.TCPFlagURG
	}
	if tcp.ECE {
		f |= types.TCPFlagECE
	}
	if tcp.CWR {
		f |= types.TCPFlagCWR
	}
	return f
}
