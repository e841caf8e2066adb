//internal/socks5/protocol.go

package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// ==================== SOCKS5 constants ====================

const (
	Version5       = 0x05
	AuthNone       = 0x00
	AuthUserPass   = 0x02
	AuthNoAccept   = 0xFF
	AuthVersion    = 0x01
	AuthSuccess    = 0x00
	CmdConnect     = 0x01
	CmdBind        = 0x02
	CmdUDPAssoc    = 0x03
	AtypIPv4       = 0x01
	AtypDomain     = 0x03
	AtypIPv6       = 0x04
	RepSuccess     = 0x00
	RepServerFail  = 0x01
	RepNotAllowed  = 0x02
	RepNetUnreach  = 0x03
	RepHostUnreach = 0x04
	RepConnRefused = 0x05
	RepTTLExpired  = 0x06
	RepCmdNotSupp  = 0x07
	RepAtypNotSupp = 0x08
)

// ==================== Errors ====================

var (
	ErrInvalidVersion     = errors.New("invalid SOCKS version")
	ErrNoAcceptableAuth   = errors.New("no acceptable authentication method")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrInvalidAuthVersion = errors.New("invalid authentication version")
	ErrInvalidAddrType    = errors.New("invalid address type")
	ErrFragmented         = errors.New("fragmented UDP datagram")
	ErrPacketTooShort     = errors.New("UDP datagram too short")
	ErrAssocClosed        = errors.New("UDP association closed")
)

// Reply is the REP field of a SOCKS5 reply.
type Reply byte

func (r Reply) String() string {
	switch r {
	case RepSuccess:
		return "succeeded"
	case RepServerFail:
		return "general SOCKS server failure"
	case RepNotAllowed:
		return "connection not allowed by ruleset"
	case RepNetUnreach:
		return "network unreachable"
	case RepHostUnreach:
		return "host unreachable"
	case RepConnRefused:
		return "connection refused"
	case RepTTLExpired:
		return "TTL expired"
	case RepCmdNotSupp:
		return "command not supported"
	case RepAtypNotSupp:
		return "address type not supported"
	}
	return fmt.Sprintf("unknown reply %#02x", byte(r))
}

// Error describes a failed proxy negotiation. Reply is non-zero only when
// the proxy answered with a failure code.
type Error struct {
	Op    string
	Reply Reply
	Err   error
}

func (e *Error) Error() string {
	if e.Reply != RepSuccess {
		return "socks5 " + e.Op + ": " + e.Reply.String()
	}
	return "socks5 " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRefused reports whether the proxy refused the destination.
func IsRefused(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Reply != RepSuccess
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ==================== Addresses ====================

// Addr is a SOCKS5 address: either an IP or a domain name, plus a port.
type Addr struct {
	IP   netip.Addr
	Host string
	Port uint16
}

func AddrFromAddrPort(ap netip.AddrPort) Addr {
	return Addr{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// AddrPort returns the IP form of the address. ok is false for domain names.
func (a Addr) AddrPort() (ap netip.AddrPort, ok bool) {
	if !a.IP.IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.IP, a.Port), true
}

func (a Addr) String() string {
	if a.IP.IsValid() {
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// appendAddr appends ATYP, ADDR and PORT.
func appendAddr(b []byte, a Addr) []byte {
	switch {
	case a.IP.Is4():
		ip := a.IP.As4()
		b = append(b, AtypIPv4)
		b = append(b, ip[:]...)
	case a.IP.IsValid():
		ip := a.IP.As16()
		b = append(b, AtypIPv6)
		b = append(b, ip[:]...)
	default:
		b = append(b, AtypDomain, byte(len(a.Host)))
		b = append(b, a.Host...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port)
}

// parseAddr decodes ATYP, ADDR and PORT from the start of b and returns the
// number of bytes consumed.
func parseAddr(b []byte) (Addr, int, error) {
	if len(b) < 1 {
		return Addr{}, 0, ErrPacketTooShort
	}
	var a Addr
	off := 1
	switch b[0] {
	case AtypIPv4:
		if len(b) < off+4+2 {
			return Addr{}, 0, ErrPacketTooShort
		}
		a.IP = netip.AddrFrom4([4]byte(b[off : off+4]))
		off += 4
	case AtypIPv6:
		if len(b) < off+16+2 {
			return Addr{}, 0, ErrPacketTooShort
		}
		a.IP = netip.AddrFrom16([16]byte(b[off : off+16])).Unmap()
		off += 16
	case AtypDomain:
		if len(b) < off+1 {
			return Addr{}, 0, ErrPacketTooShort
		}
		n := int(b[off])
		off++
		if len(b) < off+n+2 {
			return Addr{}, 0, ErrPacketTooShort
		}
		a.Host = string(b[off : off+n])
		off += n
	default:
		return Addr{}, 0, ErrInvalidAddrType
	}
	a.Port = binary.BigEndian.Uint16(b[off : off+2])
	return a, off + 2, nil
}

// readAddr reads ATYP, ADDR and PORT from a stream.
func readAddr(r io.Reader) (Addr, error) {
	buf := make([]byte, 2, 2+255+2)
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Addr{}, err
	}
	head, n := 1, 0
	switch buf[0] {
	case AtypIPv4:
		n = 4 + 2
	case AtypIPv6:
		n = 16 + 2
	case AtypDomain:
		if _, err := io.ReadFull(r, buf[1:2]); err != nil {
			return Addr{}, err
		}
		head, n = 2, int(buf[1])+2
	default:
		return Addr{}, ErrInvalidAddrType
	}
	buf = buf[:head+n]
	if _, err := io.ReadFull(r, buf[head:]); err != nil {
		return Addr{}, err
	}
	a, _, err := parseAddr(buf)
	return a, err
}

// ==================== UDP encapsulation ====================

// BuildUDPPacket prepends the RSV(2) FRAG(1) ATYP ADDR PORT header to data.
func BuildUDPPacket(dst Addr, data []byte) []byte {
	b := make([]byte, 0, 3+1+16+2+len(data))
	b = append(b, 0, 0, 0)
	b = appendAddr(b, dst)
	return append(b, data...)
}

// ParseUDPPacket splits an encapsulated datagram into its address and payload.
// The payload aliases b.
func ParseUDPPacket(b []byte) (Addr, []byte, error) {
	if len(b) < 4 {
		return Addr{}, nil, ErrPacketTooShort
	}
	if b[2] != 0 {
		return Addr{}, nil, ErrFragmented
	}
	a, n, err := parseAddr(b[3:])
	if err != nil {
		return Addr{}, nil, err
	}
	return a, b[3+n:], nil
}
