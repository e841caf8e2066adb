//internal/tunnel/udp.go

package tunnel

import (
	"errors"
	"net/netip"
	"sync"

	"tunsocks/internal/packet"
	"tunsocks/internal/session"
	"tunsocks/internal/socks5"
	"tunsocks/internal/transport"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

const udpFlowQueue = 64

var errAssocReleased = errors.New("association released")

// ==================== Association pool ====================

// assocKey selects a pooled association. remote is only set when every flow
// gets its own association.
type assocKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

type assocEntry struct {
	key   assocKey
	ready chan struct{}

	// Set before ready is closed.
	assoc *socks5.Association
	err   error

	// Guarded by the pool mutex.
	refs int
	dead bool
}

// broken reports whether the entry can no longer carry new flows.
func (a *assocEntry) broken() bool {
	select {
	case <-a.ready:
	default:
		return false
	}
	if a.err != nil {
		return true
	}
	select {
	case <-a.assoc.Done():
		return true
	default:
		return false
	}
}

// assocPool shares UDP associations between the flows of one host socket.
// The last flow releasing an entry closes its association.
type assocPool struct {
	e   *Engine
	log *plog.PrefixLogger

	mu     sync.Mutex
	m      map[assocKey]*assocEntry
	closed bool
}

func newAssocPool(e *Engine) *assocPool {
	return &assocPool{
		e:   e,
		log: plog.NewPrefixLogger("UDP"),
		m:   make(map[assocKey]*assocEntry),
	}
}

func (p *assocPool) keyFor(flow packet.FlowKey) assocKey {
	k := assocKey{local: flow.Src}
	if p.e.cfg.Session.UDPPerFlow {
		k.remote = flow.Dst
	}
	return k
}

// acquire returns a referenced entry for flow, starting a negotiation when
// no usable association exists yet.
func (p *assocPool) acquire(flow packet.FlowKey) (*assocEntry, error) {
	k := p.keyFor(flow)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrEngineStopped
	}
	if ent := p.m[k]; ent != nil && !ent.broken() {
		ent.refs++
		return ent, nil
	}

	ent := &assocEntry{key: k, ready: make(chan struct{}), refs: 1}
	p.m[k] = ent
	p.e.wg.Add(1)
	go p.negotiate(ent)
	return ent, nil
}

func (p *assocPool) negotiate(ent *assocEntry) {
	defer p.e.wg.Done()

	assoc, err := p.e.client.UDPAssociate(p.e.ctx)

	p.mu.Lock()
	if err == nil && ent.dead {
		p.mu.Unlock()
		assoc.Close()
		ent.err = errAssocReleased
		close(ent.ready)
		return
	}
	ent.assoc, ent.err = assoc, err
	if err != nil && p.m[ent.key] == ent {
		delete(p.m, ent.key)
	}
	if err == nil {
		metrics.IncrActiveAssociations()
	}
	p.mu.Unlock()
	close(ent.ready)

	if err != nil {
		metrics.IncrConnectError()
		p.log.Info("associate for %s failed: %v", ent.key.local, err)
		return
	}

	p.log.Debug("association for %s via %s", ent.key.local, assoc.RelayAddr())
	p.e.wg.Add(1)
	go p.relayBack(ent)
}

// release drops one reference to ent.
func (p *assocPool) release(ent *assocEntry) {
	p.mu.Lock()
	ent.refs--
	if ent.refs > 0 || ent.dead {
		p.mu.Unlock()
		return
	}
	ent.dead = true
	if p.m[ent.key] == ent {
		delete(p.m, ent.key)
	}
	assoc := ent.assoc
	p.mu.Unlock()

	if assoc != nil {
		assoc.Close()
		metrics.DecrActiveAssociations()
	}
}

// closeAll closes every association and refuses new ones.
func (p *assocPool) closeAll() {
	p.mu.Lock()
	p.closed = true
	var open []*socks5.Association
	for k, ent := range p.m {
		delete(p.m, k)
		if ent.dead {
			continue
		}
		ent.dead = true
		if ent.assoc != nil {
			open = append(open, ent.assoc)
		}
	}
	p.mu.Unlock()

	for _, a := range open {
		a.Close()
		metrics.DecrActiveAssociations()
	}
}

// relayBack turns datagrams from the relay into frames for the host flow
// they answer. Datagrams from sources without a session are dropped.
func (p *assocPool) relayBack(ent *assocEntry) {
	defer p.e.wg.Done()

	buf := transport.GetBuffer(transport.LargeBufSize)
	defer transport.PutBuffer(buf)

	for {
		n, src, err := ent.assoc.ReadFrom(*buf)
		if err != nil {
			return
		}

		flow := packet.FlowKey{Proto: packet.UDP, Src: ent.key.local, Dst: src}
		s := p.e.table.Get(flow)
		if s == nil || !s.Begin() {
			metrics.IncrDropped()
			continue
		}
		frame, err := p.e.enc.UDP(flow, packet.Inbound, (*buf)[:n])
		if err == nil && p.e.writer.TrySend(frame) {
			metrics.AddBytesDown(int64(n))
		}
		s.End()
	}
}

// ==================== Flow ====================

type udpFlow struct {
	e     *Engine
	s     *session.Session
	ent   *assocEntry
	queue chan []byte
	log   *plog.PrefixLogger
}

func (e *Engine) handleUDP(p *packet.Packet) {
	key := p.Flow()

	s, created, err := e.table.GetOrCreate(key)
	if err != nil {
		metrics.IncrDropped()
		return
	}
	if created && !e.startUDPFlow(s) {
		return
	}

	f, _ := s.Value().(*udpFlow)
	if f == nil {
		return
	}
	f.enqueue(p.Payload)
}

func (e *Engine) startUDPFlow(s *session.Session) bool {
	ent, err := e.assocs.acquire(s.Key)
	if err != nil {
		s.Close(session.ReasonShutdown)
		return false
	}

	f := &udpFlow{
		e:     e,
		s:     s,
		ent:   ent,
		queue: make(chan []byte, udpFlowQueue),
		log:   plog.NewPrefixLogger("UDP").With(s.Key.Src.String() + "->" + s.Key.Dst.String()),
	}
	s.SetValue(f)

	metrics.IncrUDPSessions()
	s.OnClose(func(session.Reason) {
		metrics.DecrActiveUDPSessions()
		e.assocs.release(ent)
	})

	e.wg.Add(1)
	go f.run()
	return true
}

// enqueue copies payload towards the association. A full queue drops it.
func (f *udpFlow) enqueue(payload []byte) {
	f.s.Touch()
	select {
	case f.queue <- append([]byte(nil), payload...):
	default:
		metrics.IncrDropped()
	}
}

func (f *udpFlow) run() {
	defer f.e.wg.Done()

	select {
	case <-f.ent.ready:
	case <-f.s.Done():
		return
	}
	if f.ent.err != nil {
		// Queued datagrams go with the session.
		f.s.Close(session.ReasonProxyError)
		return
	}
	f.s.SetState(session.StateEstablished)

	assoc := f.ent.assoc
	for {
		select {
		case <-f.s.Done():
			return
		case <-assoc.Done():
			f.log.Debug("association closed by proxy")
			f.s.Close(session.ReasonProxyError)
			return
		case data := <-f.queue:
			if !f.s.Begin() {
				return
			}
			_, err := assoc.WriteTo(data, f.s.Key.Dst)
			f.s.End()
			if err != nil {
				if errors.Is(err, socks5.ErrAssocClosed) {
					f.s.Close(session.ReasonProxyError)
					return
				}
				f.log.Debug("send %d bytes: %v", len(data), err)
				metrics.IncrDropped()
				continue
			}
			metrics.AddBytesUp(int64(len(data)))
		}
	}
}
