package socks5

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
)

// Association is an open UDP ASSOCIATE: a control connection that keeps the
// relay alive and a UDP socket connected to the relay endpoint.
type Association struct {
	ctrl  net.Conn
	conn  net.Conn
	relay netip.AddrPort

	done      chan struct{}
	closeOnce sync.Once
}

// UDPAssociate asks the proxy for a UDP relay. The association lives until
// Close is called or the proxy drops the control connection.
func (c *Client) UDPAssociate(ctx context.Context) (*Association, error) {
	// DST.ADDR/PORT of zero: the client's source is not known in advance.
	ctrl, bound, err := c.request(ctx, CmdUDPAssoc, Addr{IP: netip.IPv4Unspecified()})
	if err != nil {
		c.log.Debug("associate failed: %v", err)
		return nil, err
	}

	// Relay setup is bounded like the negotiation that preceded it.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	relay, err := c.relayAddr(ctx, bound, ctrl.RemoteAddr())
	if err != nil {
		ctrl.Close()
		return nil, &Error{Op: "associate", Err: err}
	}
	conn, err := c.dial(ctx, "udp", relay.String())
	if err != nil {
		ctrl.Close()
		return nil, &Error{Op: "associate", Err: err}
	}

	a := &Association{
		ctrl:  ctrl,
		conn:  conn,
		relay: relay,
		done:  make(chan struct{}),
	}
	go a.watchControl()
	c.log.Debug("association open, relay %s", relay)
	return a, nil
}

// relayAddr resolves BND.ADDR. Proxies commonly answer with 0.0.0.0, which
// means "the address you reached me on". A domain that does not resolve
// falls back to that address too.
func (c *Client) relayAddr(ctx context.Context, bound Addr, ctrlRemote net.Addr) (netip.AddrPort, error) {
	if ap, ok := bound.AddrPort(); ok && !ap.Addr().IsUnspecified() {
		return ap, nil
	}
	remote, err := netip.ParseAddrPort(ctrlRemote.String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	if bound.Host != "" {
		ips, err := c.resolver().LookupNetIP(ctx, "ip", bound.Host)
		if err == nil && len(ips) > 0 {
			return netip.AddrPortFrom(ips[0].Unmap(), bound.Port), nil
		}
		c.log.Debug("resolve relay %s: %v, using %s", bound.Host, err, remote.Addr())
	}
	return netip.AddrPortFrom(remote.Addr().Unmap(), bound.Port), nil
}

// resolver sends lookups through the client's dialer.
func (c *Client) resolver() *net.Resolver {
	return &net.Resolver{PreferGo: true, Dial: c.dial}
}

// watchControl closes the association when the control connection ends.
func (a *Association) watchControl() {
	_, _ = io.Copy(io.Discard, a.ctrl)
	a.Close()
}

// RelayAddr returns the UDP endpoint datagrams are sent to.
func (a *Association) RelayAddr() netip.AddrPort {
	return a.relay
}

// WriteTo encapsulates payload for dst and sends it to the relay.
func (a *Association) WriteTo(payload []byte, dst netip.AddrPort) (int, error) {
	select {
	case <-a.done:
		return 0, ErrAssocClosed
	default:
	}
	if _, err := a.conn.Write(BuildUDPPacket(AddrFromAddrPort(dst), payload)); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// ReadFrom reads one datagram from the relay, strips the SOCKS5 header and
// moves the payload to the front of buf. Malformed datagrams and those
// addressed by domain name are skipped.
func (a *Association) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		n, err := a.conn.Read(buf)
		if err != nil {
			select {
			case <-a.done:
				return 0, netip.AddrPort{}, ErrAssocClosed
			default:
				return 0, netip.AddrPort{}, err
			}
		}
		src, data, err := ParseUDPPacket(buf[:n])
		if err != nil {
			continue
		}
		ap, ok := src.AddrPort()
		if !ok {
			continue
		}
		return copy(buf, data), ap, nil
	}
}

// Done is closed once the association is torn down.
func (a *Association) Done() <-chan struct{} {
	return a.done
}

func (a *Association) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.ctrl.Close()
		a.conn.Close()
	})
	return nil
}
