// Package socks5test runs a small in-process SOCKS5 proxy for tests.
package socks5test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
)

// ConnectFunc decides the fate of a CONNECT. A non-zero reply refuses it;
// otherwise the returned conn is relayed to the client.
type ConnectFunc func(target string) (net.Conn, byte)

// PacketFunc answers one relayed UDP datagram. Every returned payload is sent
// back to the client as coming from target.
type PacketFunc func(target string, payload []byte) [][]byte

type Server struct {
	Username string
	Password string
	Connect  ConnectFunc
	Packet   PacketFunc
	// BindUnspecified answers UDP ASSOCIATE with 0.0.0.0 as many proxies do.
	BindUnspecified bool

	ln  net.Listener
	udp *net.UDPConn
	wg  sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests []string
	closed   bool
}

// Start listens on loopback and registers Close with t.
func (s *Server) Start(t testing.TB) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("socks5test: listen: %v", err)
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		ln.Close()
		t.Fatalf("socks5test: listen udp: %v", err)
	}
	s.ln, s.udp = ln, udp
	s.conns = make(map[net.Conn]struct{})

	s.wg.Add(2)
	go s.acceptLoop()
	go s.udpLoop()
	t.Cleanup(s.Close)
}

func (s *Server) Host() string { return "127.0.0.1" }

func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Open returns the number of client connections still open.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Requests lists every accepted command, e.g. "CONNECT 93.184.216.34:80" or "UDP".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.udp.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handle(conn)
		}()
	}
}

func (s *Server) record(r string) {
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	if err := s.handshake(conn); err != nil {
		return
	}

	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil || hdr[0] != 0x05 {
		return
	}
	target, err := readTarget(conn)
	if err != nil {
		reply(conn, 0x08, netip.AddrPort{})
		return
	}

	switch hdr[1] {
	case 0x01:
		s.record("CONNECT " + target)
		s.handleConnect(conn, target)
	case 0x03:
		s.record("UDP")
		bind := s.udp.LocalAddr().(*net.UDPAddr).AddrPort()
		if s.BindUnspecified {
			bind = netip.AddrPortFrom(netip.IPv4Unspecified(), bind.Port())
		}
		reply(conn, 0x00, bind)
		_, _ = io.Copy(io.Discard, conn)
	default:
		reply(conn, 0x07, netip.AddrPort{})
	}
}

func (s *Server) handshake(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	want := byte(0x00)
	if s.Username != "" {
		want = 0x02
	}
	found := false
	for _, m := range methods {
		found = found || m == want
	}
	if !found {
		conn.Write([]byte{0x05, 0xff})
		return errors.New("no acceptable method")
	}
	conn.Write([]byte{0x05, want})
	if want == 0x00 {
		return nil
	}

	var ver [2]byte
	if _, err := io.ReadFull(conn, ver[:]); err != nil {
		return err
	}
	user := make([]byte, ver[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}
	if string(user) != s.Username || string(pass) != s.Password {
		conn.Write([]byte{0x01, 0x01})
		return errors.New("bad credentials")
	}
	conn.Write([]byte{0x01, 0x00})
	return nil
}

func (s *Server) handleConnect(conn net.Conn, target string) {
	var (
		upstream net.Conn
		rep      byte
	)
	if s.Connect != nil {
		upstream, rep = s.Connect(target)
	} else if c, err := net.Dial("tcp", target); err != nil {
		rep = 0x05
	} else {
		upstream = c
	}
	if rep != 0x00 || upstream == nil {
		if rep == 0x00 {
			rep = 0x01
		}
		reply(conn, rep, netip.AddrPort{})
		return
	}
	defer upstream.Close()

	reply(conn, 0x00, conn.LocalAddr().(*net.TCPAddr).AddrPort())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(conn, upstream)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	_, _ = io.Copy(upstream, conn)
	if hc, ok := upstream.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
	} else {
		upstream.Close()
	}
	<-done
}

func (s *Server) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if n < 4 || buf[2] != 0 {
			continue
		}
		target, err := readTarget(bytes.NewReader(buf[3:n]))
		if err != nil {
			continue
		}
		hdrLen := 3 + addrLen(buf[3:n])
		if s.Packet == nil {
			continue
		}
		payload := append([]byte(nil), buf[hdrLen:n]...)
		for _, resp := range s.Packet(target, payload) {
			out := append([]byte{0, 0, 0}, buf[3:hdrLen]...)
			out = append(out, resp...)
			s.udp.WriteToUDPAddrPort(out, from)
		}
	}
}

func reply(conn net.Conn, rep byte, bind netip.AddrPort) {
	b := []byte{0x05, rep, 0x00}
	addr := bind.Addr().Unmap()
	switch {
	case addr.Is4():
		ip := addr.As4()
		b = append(b, 0x01)
		b = append(b, ip[:]...)
	case addr.IsValid():
		ip := addr.As16()
		b = append(b, 0x04)
		b = append(b, ip[:]...)
	default:
		b = append(b, 0x01, 0, 0, 0, 0)
	}
	b = binary.BigEndian.AppendUint16(b, bind.Port())
	conn.Write(b)
}

func readTarget(r io.Reader) (string, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", err
	}
	var host string
	switch atyp[0] {
	case 0x01, 0x04:
		n := 4
		if atyp[0] == 0x04 {
			n = 16
		}
		ip := make([]byte, n)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		a, _ := netip.AddrFromSlice(ip)
		host = a.String()
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return "", err
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", err
		}
		host = string(name)
	default:
		return "", errors.New("bad address type")
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), nil
}

func addrLen(b []byte) int {
	switch b[0] {
	case 0x01:
		return 1 + 4 + 2
	case 0x04:
		return 1 + 16 + 2
	default:
		return 1 + 1 + int(b[1]) + 2
	}
}
