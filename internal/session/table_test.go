package session

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tunsocks/internal/packet"
	"tunsocks/pkg/metrics"
)

type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

func testConfig() Config {
	return Config{
		MaxSessions:       100,
		TCPIdle:           120 * time.Second,
		TCPHalfClosedIdle: 300 * time.Second,
		UDPIdle:           60 * time.Second,
		ReapInterval:      time.Hour,
	}
}

func tcpKey(port uint16) packet.FlowKey {
	return packet.FlowKey{
		Proto: packet.TCP,
		Src:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), port),
		Dst:   netip.MustParseAddrPort("93.184.216.34:80"),
	}
}

func udpKey(port uint16) packet.FlowKey {
	return packet.FlowKey{
		Proto: packet.UDP,
		Src:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), port),
		Dst:   netip.MustParseAddrPort("8.8.8.8:53"),
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	tbl := NewTable(testConfig())
	key := tcpKey(5555)

	const workers = 64
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		start   = make(chan struct{})
		got     [workers]*Session
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, c, err := tbl.GetOrCreate(key)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			if c {
				created.Add(1)
			}
			got[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created mismatch: got %d, want 1", created.Load())
	}
	for i := 1; i < workers; i++ {
		if got[i] != got[0] {
			t.Fatalf("worker %d got a different session", i)
		}
	}
	if tbl.Len() != 1 {
		t.Errorf("len mismatch: got %d, want 1", tbl.Len())
	}
}

func TestTableFull(t *testing.T) {
	metrics.Reset()
	defer metrics.Reset()

	cfg := testConfig()
	cfg.MaxSessions = 2
	tbl := NewTable(cfg)

	for p := uint16(1); p <= 2; p++ {
		if _, _, err := tbl.GetOrCreate(tcpKey(p)); err != nil {
			t.Fatalf("GetOrCreate(%d): %v", p, err)
		}
	}
	if _, _, err := tbl.GetOrCreate(tcpKey(3)); !errors.Is(err, ErrTableFull) {
		t.Fatalf("error = %v, want %v", err, ErrTableFull)
	}
	// Existing keys are still served at capacity.
	if _, created, err := tbl.GetOrCreate(tcpKey(1)); err != nil || created {
		t.Errorf("lookup at capacity: created=%v err=%v", created, err)
	}
	if got := metrics.GetStats().RejectedSessions; got != 1 {
		t.Errorf("rejected mismatch: got %d, want 1", got)
	}

	tbl.Remove(tcpKey(1))
	if _, created, err := tbl.GetOrCreate(tcpKey(3)); err != nil || !created {
		t.Errorf("create after remove: created=%v err=%v", created, err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	tbl := NewTable(testConfig())
	key := udpKey(4000)

	s, _, _ := tbl.GetOrCreate(key)
	c := &countingCloser{}
	s.Attach(c)
	var hooks atomic.Int32
	s.OnClose(func(r Reason) {
		if r != ReasonRemoved {
			t.Errorf("reason mismatch: got %s, want %s", r, ReasonRemoved)
		}
		hooks.Add(1)
	})

	tbl.Remove(key)
	tbl.Remove(key)
	tbl.Remove(udpKey(9999))

	if c.n.Load() != 1 {
		t.Errorf("close count mismatch: got %d, want 1", c.n.Load())
	}
	if hooks.Load() != 1 {
		t.Errorf("hook count mismatch: got %d, want 1", hooks.Load())
	}
	if tbl.Len() != 0 || tbl.Get(key) != nil {
		t.Errorf("session still present after remove")
	}
	if s.State() != StateClosed {
		t.Errorf("state mismatch: got %s, want CLOSED", s.State())
	}
}

func TestStaleCloseKeepsNewSession(t *testing.T) {
	tbl := NewTable(testConfig())
	key := tcpKey(7000)

	old, _, _ := tbl.GetOrCreate(key)
	old.Close(ReasonReset)

	fresh, created, _ := tbl.GetOrCreate(key)
	if !created || fresh == old {
		t.Fatal("expected a new session after close")
	}
	old.Close(ReasonReset)
	tbl.detach(old)
	if tbl.Get(key) != fresh {
		t.Error("closing a stale session removed its successor")
	}
}

func TestAttachAfterClose(t *testing.T) {
	tbl := NewTable(testConfig())
	s, _, _ := tbl.GetOrCreate(tcpKey(1))
	s.Close(ReasonReset)

	c := &countingCloser{}
	if s.Attach(c) {
		t.Error("Attach succeeded on closed session")
	}
	if c.n.Load() != 1 {
		t.Errorf("late resource not closed")
	}

	ran := false
	s.OnClose(func(r Reason) { ran = r == ReasonReset })
	if !ran {
		t.Error("late hook not run with close reason")
	}
}

func TestReapThresholds(t *testing.T) {
	clock := newFakeClock()
	tbl := NewTable(testConfig())
	tbl.now = clock.Now

	udp, _, _ := tbl.GetOrCreate(udpKey(1))
	tcp, _, _ := tbl.GetOrCreate(tcpKey(1))
	half, _, _ := tbl.GetOrCreate(tcpKey(2))
	tcp.SetState(StateEstablished)
	half.SetState(StateClosing)

	closers := map[*Session]*countingCloser{}
	for _, s := range []*Session{udp, tcp, half} {
		c := &countingCloser{}
		s.Attach(c)
		closers[s] = c
	}

	steps := []struct {
		advance time.Duration
		evicted int
		gone    []*Session
	}{
		{59 * time.Second, 0, nil},
		{2 * time.Second, 1, []*Session{udp}},
		{60 * time.Second, 1, []*Session{udp, tcp}},
		{150 * time.Second, 0, []*Session{udp, tcp}},
		{30 * time.Second, 1, []*Session{udp, tcp, half}},
	}
	for i, st := range steps {
		clock.Advance(st.advance)
		if n := tbl.Reap(); n != st.evicted {
			t.Errorf("step %d: evicted mismatch: got %d, want %d", i, n, st.evicted)
		}
		for _, s := range st.gone {
			if tbl.Get(s.Key) != nil {
				t.Errorf("step %d: %s still present", i, s.Key)
			}
			if closers[s].n.Load() != 1 {
				t.Errorf("step %d: %s closed %d times", i, s.Key, closers[s].n.Load())
			}
			if s.Reason() != ReasonIdle {
				t.Errorf("step %d: reason mismatch: got %s", i, s.Reason())
			}
		}
	}
}

func TestReapSkipsInFlight(t *testing.T) {
	clock := newFakeClock()
	tbl := NewTable(testConfig())
	tbl.now = clock.Now

	s, _, _ := tbl.GetOrCreate(udpKey(1))
	if !s.Begin() {
		t.Fatal("Begin failed on open session")
	}
	clock.Advance(time.Hour)
	if n := tbl.Reap(); n != 0 {
		t.Fatalf("evicted %d sessions with work in flight", n)
	}
	s.End()

	clock.Advance(61 * time.Second)
	if n := tbl.Reap(); n != 1 {
		t.Fatalf("evicted mismatch: got %d, want 1", n)
	}
	if s.Begin() {
		t.Error("Begin succeeded on evicted session")
	}
}

func TestEvictExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	tbl := NewTable(testConfig())
	tbl.now = clock.Now

	s, _, _ := tbl.GetOrCreate(udpKey(1))
	c := &countingCloser{}
	s.Attach(c)
	var hooks atomic.Int32
	s.OnClose(func(Reason) { hooks.Add(1) })
	clock.Advance(2 * time.Minute)

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(int32(tbl.Reap()))
		}()
	}
	wg.Wait()

	if total.Load() != 1 {
		t.Errorf("eviction count mismatch: got %d, want 1", total.Load())
	}
	if c.n.Load() != 1 || hooks.Load() != 1 {
		t.Errorf("close/hook counts mismatch: %d/%d", c.n.Load(), hooks.Load())
	}
}

func TestCloseAll(t *testing.T) {
	tbl := NewTable(testConfig())
	var closers []*countingCloser
	for p := uint16(1); p <= 10; p++ {
		s, _, _ := tbl.GetOrCreate(tcpKey(p))
		c := &countingCloser{}
		s.Attach(c)
		closers = append(closers, c)
	}

	tbl.CloseAll(ReasonShutdown)

	if tbl.Len() != 0 {
		t.Errorf("len mismatch: got %d, want 0", tbl.Len())
	}
	for i, c := range closers {
		if c.n.Load() != 1 {
			t.Errorf("closer %d closed %d times", i, c.n.Load())
		}
	}
	if _, _, err := tbl.GetOrCreate(tcpKey(99)); !errors.Is(err, ErrTableClosed) {
		t.Errorf("error = %v, want %v", err, ErrTableClosed)
	}
}

func TestReaperLoop(t *testing.T) {
	cfg := testConfig()
	cfg.UDPIdle = 20 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	tbl := NewTable(cfg)
	tbl.Start()
	tbl.Start()
	defer tbl.Stop()

	s, _, _ := tbl.GetOrCreate(udpKey(1))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not evict idle session")
	}
	if s.Reason() != ReasonIdle {
		t.Errorf("reason mismatch: got %s, want %s", s.Reason(), ReasonIdle)
	}

	tbl.Stop()
	tbl.Stop()
}

func TestSetStateAfterClose(t *testing.T) {
	tbl := NewTable(testConfig())
	s, _, _ := tbl.GetOrCreate(tcpKey(1))
	s.SetState(StateEstablished)
	s.Close(ReasonFinished)
	s.SetState(StateEstablished)
	if s.State() != StateClosed {
		t.Errorf("state mismatch: got %s, want CLOSED", s.State())
	}
}
