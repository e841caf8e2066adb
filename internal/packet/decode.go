package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
)

// Decode parses one frame. Frames longer than their declared IP length are
// trimmed; shorter ones are rejected.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, ErrTooShort
	}
	p := &Packet{}
	var (
		transport []byte
		err       error
	)
	switch frame[0] >> 4 {
	case 4:
		transport, err = p.decodeIPv4(frame)
	case 6:
		transport, err = p.decodeIPv6(frame)
	default:
		return nil, ErrBadVersion
	}
	if err != nil {
		return nil, err
	}

	switch p.Protocol {
	case TCP:
		if err := p.tcp.DecodeFromBytes(transport, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: tcp: %v", ErrMalformed, err)
		}
		p.Src = netip.AddrPortFrom(p.Src.Addr(), uint16(p.tcp.SrcPort))
		p.Dst = netip.AddrPortFrom(p.Dst.Addr(), uint16(p.tcp.DstPort))
		p.Seq = p.tcp.Seq
		p.Ack = p.tcp.Ack
		p.Flags = flagsOf(&p.tcp)
		p.Window = p.tcp.Window
		p.Payload = p.tcp.Payload
	case UDP:
		if err := p.udp.DecodeFromBytes(transport, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: udp: %v", ErrMalformed, err)
		}
		if int(p.udp.Length) < 8 || int(p.udp.Length) > len(transport) {
			return nil, fmt.Errorf("%w: udp length %d", ErrMalformed, p.udp.Length)
		}
		p.Src = netip.AddrPortFrom(p.Src.Addr(), uint16(p.udp.SrcPort))
		p.Dst = netip.AddrPortFrom(p.Dst.Addr(), uint16(p.udp.DstPort))
		p.Payload = transport[8:p.udp.Length]
	}
	return p, nil
}

func (p *Packet) decodeIPv4(frame []byte) ([]byte, error) {
	if len(frame) < ipv4HeaderLen {
		return nil, ErrTooShort
	}
	total := int(binary.BigEndian.Uint16(frame[2:4]))
	ihl := int(frame[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || total < ihl {
		return nil, fmt.Errorf("%w: ihl %d total %d", ErrMalformed, ihl, total)
	}
	if total > len(frame) {
		return nil, ErrBadLength
	}
	frame = frame[:total]

	if err := p.ip4.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: ipv4: %v", ErrMalformed, err)
	}
	if p.ip4.Flags&layers.IPv4MoreFragments != 0 || p.ip4.FragOffset != 0 {
		return nil, ErrFragmented
	}
	p.Version = 4
	p.Protocol = Protocol(p.ip4.Protocol)
	if p.Protocol != TCP && p.Protocol != UDP {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, p.ip4.Protocol)
	}
	p.Src = netip.AddrPortFrom(addrOf(p.ip4.SrcIP), 0)
	p.Dst = netip.AddrPortFrom(addrOf(p.ip4.DstIP), 0)
	return frame[ihl:], nil
}

func (p *Packet) decodeIPv6(frame []byte) ([]byte, error) {
	if len(frame) < ipv6HeaderLen {
		return nil, ErrTooShort
	}
	payloadLen := int(binary.BigEndian.Uint16(frame[4:6]))
	if payloadLen == 0 {
		// Jumbograms never fit an interface MTU.
		return nil, fmt.Errorf("%w: zero payload length", ErrMalformed)
	}
	if ipv6HeaderLen+payloadLen > len(frame) {
		return nil, ErrBadLength
	}
	frame = frame[:ipv6HeaderLen+payloadLen]

	next := layers.IPProtocol(frame[6])
	if next != layers.IPProtocolTCP && next != layers.IPProtocolUDP {
		if next == layers.IPProtocolIPv6Fragment {
			return nil, ErrFragmented
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, next)
	}
	if err := p.ip6.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: ipv6: %v", ErrMalformed, err)
	}
	p.Version = 6
	p.Protocol = Protocol(next)
	p.Src = netip.AddrPortFrom(addrOf(p.ip6.SrcIP), 0)
	p.Dst = netip.AddrPortFrom(addrOf(p.ip6.DstIP), 0)
	return frame[ipv6HeaderLen:], nil
}

func addrOf(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a
}
