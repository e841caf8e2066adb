// Package session tracks the lifetime of every relayed flow.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tunsocks/internal/packet"
)

// ==================== State ====================

// State is the lifecycle tag of a session. UDP sessions only use
// StateNew, StateEstablished and StateClosed.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Reason records why a session ended.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonFinished
	ReasonReset
	ReasonProxyError
	ReasonIdle
	ReasonRemoved
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonFinished:
		return "finished"
	case ReasonReset:
		return "reset"
	case ReasonProxyError:
		return "proxy error"
	case ReasonIdle:
		return "idle"
	case ReasonRemoved:
		return "removed"
	case ReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// ==================== Session ====================

// Session is the table entry for one flow. It owns the proxy-side resource
// attached with Attach and releases it exactly once.
type Session struct {
	ID        string
	Key       packet.FlowKey
	CreatedAt time.Time

	table      *Table
	state      atomic.Int32
	lastActive atomic.Int64
	reason     atomic.Int32

	localClosed  atomic.Bool
	remoteClosed atomic.Bool

	// relay is read-held for the duration of every relay operation and
	// write-held while the session is evicted.
	relay sync.RWMutex

	mu      sync.Mutex
	closer  io.Closer
	onClose []func(Reason)
	value   any

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(t *Table, key packet.FlowKey) *Session {
	now := t.now()
	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		CreatedAt: now,
		table:     t,
		done:      make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// SetState moves the session to st. Transitions out of StateClosed are ignored.
func (s *Session) SetState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Touch records activity.
func (s *Session) Touch() {
	s.lastActive.Store(s.table.now().UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive())
}

// Half-close bookkeeping: local is the host side, remote the proxy side.
func (s *Session) SetLocalClosed()    { s.localClosed.Store(true) }
func (s *Session) SetRemoteClosed()   { s.remoteClosed.Store(true) }
func (s *Session) LocalClosed() bool  { return s.localClosed.Load() }
func (s *Session) RemoteClosed() bool { return s.remoteClosed.Load() }

// SetValue stores the protocol handler state that drives this session.
func (s *Session) SetValue(v any) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

func (s *Session) Value() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Attach hands ownership of the proxy resource to the session. If the
// session is already closed, c is closed immediately and false is returned.
func (s *Session) Attach(c io.Closer) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		c.Close()
		return false
	default:
	}
	s.closer = c
	s.mu.Unlock()
	return true
}

// OnClose registers f to run once when the session closes, before the
// attached resource is released. Registering on a closed session runs f
// immediately.
func (s *Session) OnClose(f func(Reason)) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		f(s.Reason())
		return
	default:
	}
	s.onClose = append(s.onClose, f)
	s.mu.Unlock()
}

// Begin marks the start of a relay operation. It returns false when the
// session is closed or being evicted; the caller must then drop the work.
// Every successful Begin must be paired with End.
func (s *Session) Begin() bool {
	if !s.relay.TryRLock() {
		return false
	}
	if s.Closed() {
		s.relay.RUnlock()
		return false
	}
	s.Touch()
	return true
}

func (s *Session) End() {
	s.Touch()
	s.relay.RUnlock()
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason reports why the session closed, or ReasonNone while it is open.
func (s *Session) Reason() Reason { return Reason(s.reason.Load()) }

// Close ends the session: hooks run, the attached resource is closed and
// the entry leaves the table. Only the first call has any effect.
func (s *Session) Close(r Reason) {
	s.closeOnce.Do(func() {
		s.reason.Store(int32(r))
		s.state.Store(int32(StateClosed))

		s.mu.Lock()
		close(s.done)
		hooks, closer := s.onClose, s.closer
		s.onClose, s.closer = nil, nil
		s.mu.Unlock()

		for _, f := range hooks {
			f(r)
		}
		if closer != nil {
			closer.Close()
		}
		s.table.detach(s)
	})
}

// evict closes the session for inactivity unless a relay operation is in
// flight. It reports whether the session was closed.
func (s *Session) evict() bool {
	if !s.relay.TryLock() {
		return false
	}
	defer s.relay.Unlock()
	if s.Closed() {
		return false
	}
	s.Close(ReasonIdle)
	return true
}
