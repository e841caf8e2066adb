// Package packet parses raw IP frames read from the virtual interface and
// synthesizes the frames written back to it.
package packet

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/google/gopacket/layers"
)

// ==================== Errors ====================

var (
	ErrTooShort            = errors.New("frame too short")
	ErrBadVersion          = errors.New("unknown IP version")
	ErrBadLength           = errors.New("declared length exceeds frame")
	ErrFragmented          = errors.New("fragmented datagram")
	ErrUnsupportedProtocol = errors.New("unsupported transport protocol")
	ErrMalformed           = errors.New("malformed frame")
)

// ==================== Protocol ====================

type Protocol uint8

const (
	TCP Protocol = Protocol(layers.IPProtocolTCP)
	UDP Protocol = Protocol(layers.IPProtocolUDP)
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return layers.IPProtocol(p).String()
}

// ==================== TCP flags ====================

// Flags mirrors the TCP flag byte bit for bit.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

var flagNames = [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

func flagsOf(t *layers.TCP) Flags {
	var f Flags
	set := func(b bool, v Flags) {
		if b {
			f |= v
		}
	}
	set(t.FIN, FlagFIN)
	set(t.SYN, FlagSYN)
	set(t.RST, FlagRST)
	set(t.PSH, FlagPSH)
	set(t.ACK, FlagACK)
	set(t.URG, FlagURG)
	set(t.ECE, FlagECE)
	set(t.CWR, FlagCWR)
	return f
}

func applyFlags(t *layers.TCP, f Flags) {
	t.FIN = f&FlagFIN != 0
	t.SYN = f&FlagSYN != 0
	t.RST = f&FlagRST != 0
	t.PSH = f&FlagPSH != 0
	t.ACK = f&FlagACK != 0
	t.URG = f&FlagURG != 0
	t.ECE = f&FlagECE != 0
	t.CWR = f&FlagCWR != 0
}

// ==================== Flow key ====================

// FlowKey identifies a flow as seen by the host: Src is the local endpoint
// that sent the first packet, Dst the remote it addressed.
type FlowKey struct {
	Proto Protocol
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

// Reverse swaps the endpoints.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{Proto: k.Proto, Src: k.Dst, Dst: k.Src}
}

func (k FlowKey) String() string {
	return k.Proto.String() + " " + k.Src.String() + "->" + k.Dst.String()
}

// Direction selects the orientation of a synthesized frame relative to a FlowKey.
type Direction uint8

const (
	// Inbound frames travel remote -> local and are written to the interface.
	Inbound Direction = iota
	// Outbound frames travel local -> remote, as the host would send them.
	Outbound
)

// ==================== Packet ====================

// Packet is a decoded frame. Payload aliases the frame it was decoded from;
// callers that keep it past the next read must copy it.
type Packet struct {
	Version  int
	Protocol Protocol
	Src      netip.AddrPort
	Dst      netip.AddrPort

	// TCP only.
	Seq    uint32
	Ack    uint32
	Flags  Flags
	Window uint16

	Payload []byte

	ip4 layers.IPv4
	ip6 layers.IPv6
	tcp layers.TCP
	udp layers.UDP
}

// Flow returns the key of the flow this packet belongs to, oriented from its sender.
func (p *Packet) Flow() FlowKey {
	return FlowKey{Proto: p.Protocol, Src: p.Src, Dst: p.Dst}
}

// SegLen is the sequence space consumed by a TCP segment.
func (p *Packet) SegLen() uint32 {
	n := uint32(len(p.Payload))
	if p.Flags&FlagSYN != 0 {
		n++
	}
	if p.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// MSS returns the maximum segment size option of a TCP segment, or 0 when absent.
func (p *Packet) MSS() uint16 {
	if p.Protocol != TCP {
		return 0
	}
	for _, opt := range p.tcp.Options {
		if opt.OptionType == layers.TCPOptionKindMSS && len(opt.OptionData) == 2 {
			return uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
		}
	}
	return 0
}
