//internal/tunnel/tcp.go

package tunnel

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"time"

	"tunsocks/internal/packet"
	"tunsocks/internal/session"
	"tunsocks/internal/transport"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

const (
	// receiveWindow is advertised to the host on every segment. No window
	// scale option is sent, so the host never scales either side.
	receiveWindow = 65535

	proxyReadSize  = transport.MediumBufSize
	proxyChunkSlot = 4
)

// segment is a queued host segment. Its payload is owned by the segment.
type segment struct {
	seq     uint32
	ack     uint32
	flags   packet.Flags
	window  uint16
	payload []byte
}

type connectResult struct {
	conn net.Conn
	err  error
}

// tcpConn terminates the host's TCP connection for one session. All
// sequence state is owned by the run goroutine.
type tcpConn struct {
	e   *Engine
	s   *session.Session
	key packet.FlowKey
	log *plog.PrefixLogger

	ctx    context.Context
	cancel context.CancelFunc

	in        chan segment
	connected chan connectResult
	fromProxy chan []byte
	toProxy   chan []byte
	proxyErr  chan error

	iss    uint32
	irs    uint32
	rcvNxt uint32
	sndNxt uint32
	sndUna uint32
	sndWnd uint32
	mss    int

	established bool
	pending     []byte
	proxyEOF    bool
	finSent     bool
	finRcvd     bool
	finAcked    bool
	grace       *time.Timer
}

// ==================== Dispatch ====================

func (e *Engine) handleTCP(p *packet.Packet) {
	key := p.Flow()
	syn := p.Flags&(packet.FlagSYN|packet.FlagACK|packet.FlagRST) == packet.FlagSYN

	if s := e.table.Get(key); s != nil {
		c, _ := s.Value().(*tcpConn)
		if c == nil {
			return
		}
		// A fresh SYN on a flow that is shutting down reuses the port.
		if syn && p.Seq != c.irs && (s.State() == session.StateClosing || s.State() == session.StateClosed) {
			c.log.Debug("superseded by new SYN")
			s.Close(session.ReasonReset)
		} else {
			c.enqueue(p)
			return
		}
	}

	if p.Flags.Has(packet.FlagRST) {
		return
	}
	if !syn {
		e.resetFor(p)
		return
	}

	s, created, err := e.table.GetOrCreate(key)
	if err != nil {
		if errors.Is(err, session.ErrTableFull) {
			e.log.Warn("session table full, refusing %s", key)
			e.resetFor(p)
		}
		return
	}
	if !created {
		if c, _ := s.Value().(*tcpConn); c != nil {
			c.enqueue(p)
		}
		return
	}

	metrics.IncrTCPSessions()
	s.OnClose(func(session.Reason) { metrics.DecrActiveTCPSessions() })

	c := newTCPConn(e, s, p)
	s.SetValue(c)
	e.wg.Add(1)
	go c.run()
}

// resetFor answers a segment that belongs to no connection, following the
// reset generation rules of RFC 793.
func (e *Engine) resetFor(p *packet.Packet) {
	h := packet.TCPHeader{Flags: packet.FlagRST}
	if p.Flags.Has(packet.FlagACK) {
		h.Seq = p.Ack
	} else {
		h.Ack = p.Seq + p.SegLen()
		h.Flags |= packet.FlagACK
	}
	frame, err := e.enc.TCP(p.Flow(), packet.Inbound, h, nil)
	if err != nil {
		return
	}
	if e.writer.TrySend(frame) {
		metrics.IncrResetsSent()
	}
}

// ==================== Connection ====================

func newTCPConn(e *Engine, s *session.Session, syn *packet.Packet) *tcpConn {
	ctx, cancel := context.WithCancel(e.ctx)
	iss := rand.Uint32()

	mss := packet.MaxPayload(e.cfg.Tun.MTU, syn.Dst.Addr())
	if m := int(syn.MSS()); m > 0 && m < mss {
		mss = m
	}

	c := &tcpConn{
		e:         e,
		s:         s,
		key:       s.Key,
		log:       plog.NewPrefixLogger("TCP").With(s.Key.Src.String() + "->" + s.Key.Dst.String()),
		ctx:       ctx,
		cancel:    cancel,
		in:        make(chan segment, e.cfg.Session.TCPQueue),
		connected: make(chan connectResult, 1),
		fromProxy: make(chan []byte, proxyChunkSlot),
		toProxy:   make(chan []byte, e.cfg.Session.TCPQueue),
		proxyErr:  make(chan error, 1),
		iss:       iss,
		irs:       syn.Seq,
		rcvNxt:    syn.Seq + 1,
		sndNxt:    iss + 1,
		sndUna:    iss,
		sndWnd:    uint32(syn.Window),
		mss:       mss,
	}
	s.SetState(session.StateConnecting)
	s.OnClose(func(session.Reason) { cancel() })
	return c
}

// enqueue hands a segment to the run goroutine. A full queue drops the
// segment unacknowledged so the host retransmits it.
func (c *tcpConn) enqueue(p *packet.Packet) {
	seg := segment{
		seq:    p.Seq,
		ack:    p.Ack,
		flags:  p.Flags,
		window: p.Window,
	}
	if len(p.Payload) > 0 {
		seg.payload = append([]byte(nil), p.Payload...)
	}
	select {
	case c.in <- seg:
	default:
		metrics.IncrDropped()
	}
}

func (c *tcpConn) run() {
	defer c.e.wg.Done()

	c.e.wg.Add(1)
	go c.connect()

	for {
		var fromProxy <-chan []byte
		if c.established && !c.proxyEOF && len(c.pending) == 0 && c.window() > 0 {
			fromProxy = c.fromProxy
		}
		var graceC <-chan time.Time
		if c.grace != nil {
			graceC = c.grace.C
		}

		select {
		case <-c.s.Done():
			c.closed()
			return

		case res := <-c.connected:
			c.onConnect(res)

		case seg := <-c.in:
			if c.s.Begin() {
				c.onSegment(seg)
				c.s.End()
			}

		case data, ok := <-fromProxy:
			if c.s.Begin() {
				if ok {
					c.pending = data
				} else {
					c.proxyEOF = true
				}
				c.flush()
				c.maybeFinish()
				c.s.End()
			}

		case err := <-c.proxyErr:
			c.log.Debug("proxy error: %v", err)
			c.s.Close(session.ReasonProxyError)

		case <-graceC:
			c.log.Debug("close grace expired")
			c.s.Close(session.ReasonFinished)
		}
	}
}

func (c *tcpConn) connect() {
	defer c.e.wg.Done()

	conn, err := c.e.client.Connect(c.ctx, c.key.Dst)
	if err == nil && !c.s.Attach(conn) {
		return
	}
	c.connected <- connectResult{conn: conn, err: err}
}

func (c *tcpConn) onConnect(res connectResult) {
	if res.err != nil {
		metrics.IncrConnectError()
		c.log.Info("connect failed: %v", res.err)
		c.s.Close(session.ReasonProxyError)
		return
	}

	c.established = true
	c.s.SetState(session.StateEstablished)
	c.send(packet.FlagSYN|packet.FlagACK, c.iss, nil)
	c.log.Debug("established")

	c.e.wg.Add(2)
	go c.readProxy(res.conn)
	go c.writeProxy(res.conn)
}

// closed sends the final reset, if any, once the session has ended.
func (c *tcpConn) closed() {
	if c.grace != nil {
		c.grace.Stop()
	}
	switch c.s.Reason() {
	case session.ReasonReset, session.ReasonFinished, session.ReasonShutdown:
		return
	}
	if c.established {
		c.send(packet.FlagRST|packet.FlagACK, c.sndNxt, nil)
	} else {
		c.send(packet.FlagRST|packet.FlagACK, 0, nil)
	}
	metrics.IncrResetsSent()
	c.log.Debug("reset (%s)", c.s.Reason())
}

// ==================== Host side ====================

func (c *tcpConn) onSegment(seg segment) {
	if seg.flags.Has(packet.FlagRST) {
		c.log.Debug("reset by host")
		c.s.Close(session.ReasonReset)
		return
	}
	if seg.flags.Has(packet.FlagSYN) {
		// Retransmitted SYN: our SYN-ACK was lost or is still pending.
		if c.established && seg.seq == c.irs {
			c.send(packet.FlagSYN|packet.FlagACK, c.iss, nil)
		}
		return
	}
	if !c.established {
		return
	}

	if seg.flags.Has(packet.FlagACK) {
		c.onAck(seg)
	}
	c.onData(seg)
	c.flush()
	c.maybeFinish()
}

func (c *tcpConn) onAck(seg segment) {
	if seqGT(seg.ack, c.sndUna) && seqLE(seg.ack, c.sndNxt) {
		c.sndUna = seg.ack
	}
	if seqGE(seg.ack, c.sndUna) {
		c.sndWnd = uint32(seg.window)
	}
	if c.finSent && seg.ack == c.sndNxt {
		c.finAcked = true
	}
}

func (c *tcpConn) onData(seg segment) {
	fin := seg.flags.Has(packet.FlagFIN)
	if len(seg.payload) == 0 && !fin {
		return
	}

	seq, payload := seg.seq, seg.payload
	end := seq + uint32(len(payload))
	if fin {
		end++
	}
	// Entirely old, or beyond what we expect next: re-state our position.
	if seqLE(end, c.rcvNxt) || seqGT(seq, c.rcvNxt) || c.finRcvd {
		c.ack()
		return
	}
	if seqLT(seq, c.rcvNxt) {
		payload = payload[c.rcvNxt-seq:]
	}

	if len(payload) > 0 {
		select {
		case c.toProxy <- payload:
		default:
			metrics.IncrDropped()
			return
		}
		c.rcvNxt += uint32(len(payload))
		metrics.AddBytesUp(int64(len(payload)))
	}
	if fin {
		c.rcvNxt++
		c.finRcvd = true
		close(c.toProxy)
		c.s.SetLocalClosed()
		c.s.SetState(session.StateClosing)
		c.log.Debug("host closed its side")
	}
	c.ack()
}

// ==================== Proxy side ====================

// window returns how many more bytes the host currently accepts.
func (c *tcpConn) window() int {
	return int(c.sndWnd) - int(c.sndNxt-c.sndUna)
}

// flush sends pending proxy data as far as the host window allows, then our
// FIN once the proxy has finished and nothing is left.
func (c *tcpConn) flush() {
	for len(c.pending) > 0 {
		n := min(len(c.pending), c.mss, c.window())
		if n <= 0 {
			return
		}
		metrics.AddBytesDown(int64(n))
		c.send(packet.FlagPSH|packet.FlagACK, c.sndNxt, c.pending[:n])
		c.sndNxt += uint32(n)
		c.pending = c.pending[n:]
	}
	if c.proxyEOF && !c.finSent {
		c.send(packet.FlagFIN|packet.FlagACK, c.sndNxt, nil)
		c.sndNxt++
		c.finSent = true
		c.s.SetRemoteClosed()
		c.s.SetState(session.StateClosing)
		c.log.Debug("proxy closed its side")
	}
}

func (c *tcpConn) maybeFinish() {
	if !c.finSent || !c.finRcvd {
		return
	}
	if c.finAcked {
		c.s.Close(session.ReasonFinished)
		return
	}
	if c.grace == nil {
		c.grace = time.NewTimer(c.e.cfg.Session.CloseGrace)
	}
}

func (c *tcpConn) readProxy(conn net.Conn) {
	defer c.e.wg.Done()

	buf := transport.GetBuffer(proxyReadSize)
	defer transport.PutBuffer(buf)

	for {
		n, err := conn.Read(*buf)
		if n > 0 {
			c.s.Touch()
			data := append([]byte(nil), (*buf)[:n]...)
			select {
			case c.fromProxy <- data:
			case <-c.s.Done():
				return
			}
		}
		if err != nil {
			if c.s.Closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				close(c.fromProxy)
			} else {
				c.fail(err)
			}
			return
		}
	}
}

func (c *tcpConn) writeProxy(conn net.Conn) {
	defer c.e.wg.Done()

	for {
		select {
		case <-c.s.Done():
			return
		case data, ok := <-c.toProxy:
			if !ok {
				if cw, ok := conn.(interface{ CloseWrite() error }); ok {
					if err := cw.CloseWrite(); err != nil && !transport.IsClosedError(err) {
						c.fail(err)
					}
				}
				return
			}
			if !c.s.Begin() {
				return
			}
			_, err := conn.Write(data)
			c.s.End()
			if err != nil {
				if !c.s.Closed() {
					c.fail(err)
				}
				return
			}
		}
	}
}

func (c *tcpConn) fail(err error) {
	select {
	case c.proxyErr <- err:
	default:
	}
}

// ==================== Output ====================

func (c *tcpConn) send(flags packet.Flags, seq uint32, payload []byte) {
	h := packet.TCPHeader{
		Seq:    seq,
		Ack:    c.rcvNxt,
		Flags:  flags,
		Window: receiveWindow,
	}
	if flags.Has(packet.FlagSYN) {
		h.MSS = uint16(c.mss)
	}
	frame, err := c.e.enc.TCP(c.key, packet.Inbound, h, payload)
	if err != nil {
		c.log.Warn("encode %s: %v", flags, err)
		return
	}
	c.e.emit(frame)
}

func (c *tcpConn) ack() {
	c.send(packet.FlagACK, c.sndNxt, nil)
}

// Sequence space comparisons, modulo 2^32.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
