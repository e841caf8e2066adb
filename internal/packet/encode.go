package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	DefaultTTL = 64

	tcpHeaderLen = 20
	udpHeaderLen = 8
	maxIPLength  = 65535
)

var ErrFamilyMismatch = errors.New("source and destination address families differ")

// TCPHeader carries the per-segment fields of a synthesized TCP frame.
type TCPHeader struct {
	Seq    uint32
	Ack    uint32
	Flags  Flags
	Window uint16
	// MSS, when non-zero, is advertised as an option (SYN segments only).
	MSS uint16
}

// Encoder builds checksummed frames for the interface. It is safe for concurrent use.
type Encoder struct {
	ttl  uint8
	ipID atomic.Uint32
}

func NewEncoder() *Encoder {
	return &Encoder{ttl: DefaultTTL}
}

// MaxPayload returns the largest TCP payload that fits a frame of the given MTU.
func MaxPayload(mtu int, addr netip.Addr) int {
	if addr.Is4() {
		return mtu - ipv4HeaderLen - tcpHeaderLen
	}
	return mtu - ipv6HeaderLen - tcpHeaderLen
}

func endpoints(key FlowKey, dir Direction) (src, dst netip.AddrPort) {
	if dir == Inbound {
		return key.Dst, key.Src
	}
	return key.Src, key.Dst
}

// TCP builds a TCP segment for the flow.
func (e *Encoder) TCP(key FlowKey, dir Direction, h TCPHeader, payload []byte) ([]byte, error) {
	src, dst := endpoints(key, dir)
	ip, err := e.network(src.Addr(), dst.Addr(), layers.IPProtocolTCP, tcpHeaderLen+len(payload))
	if err != nil {
		return nil, err
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     h.Seq,
		Ack:     h.Ack,
		Window:  h.Window,
	}
	applyFlags(tcp, h.Flags)
	if h.MSS != 0 {
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(h.MSS >> 8), byte(h.MSS)},
		}}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip.(gopacket.NetworkLayer)); err != nil {
		return nil, err
	}
	return serialize(ip, tcp, payload)
}

// UDP builds a UDP datagram for the flow.
func (e *Encoder) UDP(key FlowKey, dir Direction, payload []byte) ([]byte, error) {
	src, dst := endpoints(key, dir)
	ip, err := e.network(src.Addr(), dst.Addr(), layers.IPProtocolUDP, udpHeaderLen+len(payload))
	if err != nil {
		return nil, err
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip.(gopacket.NetworkLayer)); err != nil {
		return nil, err
	}
	return serialize(ip, udp, payload)
}

func (e *Encoder) network(src, dst netip.Addr, proto layers.IPProtocol, transportLen int) (gopacket.SerializableLayer, error) {
	src, dst = src.Unmap(), dst.Unmap()
	if src.Is4() != dst.Is4() {
		return nil, ErrFamilyMismatch
	}
	if src.Is4() {
		if ipv4HeaderLen+transportLen > maxIPLength {
			return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, ipv4HeaderLen+transportLen)
		}
		return &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      e.ttl,
			Id:       uint16(e.ipID.Add(1)),
			Flags:    layers.IPv4DontFragment,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}, nil
	}
	if transportLen > maxIPLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, transportLen)
	}
	return &layers.IPv6{
		Version:    6,
		HopLimit:   e.ttl,
		NextHeader: proto,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}, nil
}

func serialize(ip, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, transport, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal re-serializes a decoded packet exactly as it was read, keeping its
// original lengths and checksums.
func Marshal(p *Packet) ([]byte, error) {
	var ip gopacket.SerializableLayer
	switch p.Version {
	case 4:
		v := p.ip4
		ip = &v
	case 6:
		v := p.ip6
		ip = &v
	default:
		return nil, ErrBadVersion
	}

	var transport gopacket.SerializableLayer
	switch p.Protocol {
	case TCP:
		t := p.tcp
		transport = &t
	case UDP:
		u := p.udp
		transport = &u
	default:
		return nil, ErrUnsupportedProtocol
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ip, transport, gopacket.Payload(p.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
