//internal/socks5/client.go

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"tunsocks/pkg/config"
	plog "tunsocks/pkg/log"
)

const HandshakeTimeout = 10 * time.Second

// DialFunc opens the transport connection to the proxy.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client negotiates CONNECT and UDP ASSOCIATE requests with one SOCKS5 proxy.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	cfg  config.ProxyConfig
	dial DialFunc
	log  *plog.PrefixLogger
}

func NewClient(cfg config.ProxyConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = HandshakeTimeout
	}
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	return &Client{
		cfg:  cfg,
		dial: d.DialContext,
		log:  plog.NewPrefixLogger("SOCKS5"),
	}
}

// SetDialFunc replaces the dialer used for the control connection and the
// UDP relay socket.
func (c *Client) SetDialFunc(f DialFunc) {
	if f != nil {
		c.dial = f
	}
}

// ProxyAddr returns the configured proxy endpoint.
func (c *Client) ProxyAddr() string {
	return c.cfg.Addr()
}

// Connect opens a relayed TCP connection to dst. The returned conn has no
// deadlines set. Negotiation is bounded by the connect timeout and ctx.
func (c *Client) Connect(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	conn, _, err := c.request(ctx, CmdConnect, AddrFromAddrPort(dst))
	if err != nil {
		c.log.Debug("connect %s failed: %v", dst, err)
		return nil, err
	}
	return conn, nil
}

// request dials the proxy, authenticates and issues one command. On success
// the control connection and the bound address are returned.
func (c *Client) request(ctx context.Context, cmd byte, dst Addr) (net.Conn, Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return nil, Addr{}, &Error{Op: "dial", Err: err}
	}

	// Abort blocking reads and writes as soon as ctx ends.
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	bound, err := c.negotiate(&conn, cmd, dst)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = &Error{Op: opName(cmd), Err: ctx.Err()}
		}
		return nil, Addr{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, bound, nil
}

func (c *Client) negotiate(conn *net.Conn, cmd byte, dst Addr) (Addr, error) {
	if c.cfg.TLS {
		tc, err := c.wrapTLS(*conn)
		if err != nil {
			return Addr{}, &Error{Op: "tls", Err: err}
		}
		*conn = tc
	}
	if err := c.handshake(*conn); err != nil {
		return Addr{}, &Error{Op: "auth", Err: err}
	}

	req := make([]byte, 0, 3+1+16+2)
	req = append(req, Version5, cmd, 0x00)
	req = appendAddr(req, dst)
	if _, err := (*conn).Write(req); err != nil {
		return Addr{}, &Error{Op: opName(cmd), Err: err}
	}
	return readReply(*conn, opName(cmd))
}

func opName(cmd byte) string {
	if cmd == CmdUDPAssoc {
		return "associate"
	}
	return "connect"
}

// handshake performs method selection and, when required, RFC 1929 auth.
func (c *Client) handshake(conn net.Conn) error {
	greeting := []byte{Version5, 1, AuthNone}
	if c.cfg.Username != "" {
		greeting = []byte{Version5, 2, AuthNone, AuthUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return err
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return err
	}
	if resp[0] != Version5 {
		return ErrInvalidVersion
	}

	switch resp[1] {
	case AuthNone:
		return nil
	case AuthUserPass:
		if c.cfg.Username == "" {
			return ErrNoAcceptableAuth
		}
		return c.authenticateUserPass(conn)
	default:
		return ErrNoAcceptableAuth
	}
}

func (c *Client) authenticateUserPass(conn net.Conn) error {
	u, p := c.cfg.Username, c.cfg.Password
	if len(u) > 255 || len(p) > 255 {
		return errors.New("credentials longer than 255 bytes")
	}
	msg := make([]byte, 0, 3+len(u)+len(p))
	msg = append(msg, AuthVersion, byte(len(u)))
	msg = append(msg, u...)
	msg = append(msg, byte(len(p)))
	msg = append(msg, p...)
	if _, err := conn.Write(msg); err != nil {
		return err
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return err
	}
	if resp[0] != AuthVersion {
		return ErrInvalidAuthVersion
	}
	if resp[1] != AuthSuccess {
		return ErrAuthFailed
	}
	return nil
}

// readReply reads VER REP RSV ATYP BND.ADDR BND.PORT.
func readReply(r io.Reader, op string) (Addr, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Addr{}, &Error{Op: op, Err: err}
	}
	if hdr[0] != Version5 {
		return Addr{}, &Error{Op: op, Err: ErrInvalidVersion}
	}
	if hdr[1] != RepSuccess {
		rep := Reply(hdr[1])
		return Addr{}, &Error{Op: op, Reply: rep, Err: fmt.Errorf("%s", rep)}
	}
	bound, err := readAddr(r)
	if err != nil {
		return Addr{}, &Error{Op: op, Err: err}
	}
	return bound, nil
}
